// Command sftp-client is a minimal SFTP command-line client: it dials an
// SSH server, requests the "sftp" subsystem on a session channel, and
// drives the sftp package's wire client against it.
package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"golang.org/x/crypto/ssh"

	"github.com/sngardner/mina-sshd/hostconfig"
	"github.com/sngardner/mina-sshd/sftp"
)

func main() {
	var (
		identityFile = pflag.StringP("identity", "i", "", "private key file for publickey auth")
		password     = pflag.String("password", "", "password for password auth")
		configFile   = pflag.String("config", "~/.ssh/config", "ssh_config-style host configuration file")
		get          = pflag.String("get", "", "remote path to download")
		put          = pflag.String("put", "", "local path to upload")
		ls           = pflag.String("ls", "", "remote directory to list")
		localPath    = pflag.String("local", "", "local destination path, with --get")
		remotePath   = pflag.String("remote", "", "remote destination path, with --put")
	)
	pflag.Parse()

	if pflag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: sftp-client [flags] [user@]host[:port]")
		os.Exit(2)
	}
	targetUser, alias, targetPort, err := parseTarget(pflag.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, "sftp-client:", err)
		os.Exit(2)
	}

	resolved := resolveHostConfig(*configFile, alias)
	if targetPort != 0 {
		resolved.HostName = alias
		resolved.Port = targetPort
	}
	if targetUser != "" {
		resolved.User = targetUser
	}
	if resolved.User == "" {
		resolved.User = localUsername()
	}
	if *identityFile == "" {
		resolved.IdentityFile = hostconfig.ExpandTokens(resolved.IdentityFile, resolved.HostName, resolved.User, resolved.Port)
		*identityFile = resolved.IdentityFile
	}
	host := net.JoinHostPort(resolved.HostName, strconv.Itoa(resolved.Port))

	config := &ssh.ClientConfig{
		User:            resolved.User,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // non-goal: host-key trust policy
	}
	if *identityFile != "" {
		key, err := loadSigner(*identityFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, "sftp-client:", err)
			os.Exit(1)
		}
		config.Auth = append(config.Auth, ssh.PublicKeys(key))
	}
	if *password != "" {
		config.Auth = append(config.Auth, ssh.Password(*password))
	}

	client, err := ssh.Dial("tcp", host, config)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sftp-client: dial:", err)
		os.Exit(1)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		fmt.Fprintln(os.Stderr, "sftp-client: session:", err)
		os.Exit(1)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		fmt.Fprintln(os.Stderr, "sftp-client:", err)
		os.Exit(1)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		fmt.Fprintln(os.Stderr, "sftp-client:", err)
		os.Exit(1)
	}
	if err := session.RequestSubsystem("sftp"); err != nil {
		fmt.Fprintln(os.Stderr, "sftp-client: subsystem:", err)
		os.Exit(1)
	}

	rw := struct {
		io.Reader
		io.Writer
	}{stdout, stdin}

	sc, err := sftp.NewClient(rw)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sftp-client: handshake:", err)
		os.Exit(1)
	}
	defer sc.Close()

	switch {
	case *ls != "":
		if err := listDir(sc, *ls); err != nil {
			fmt.Fprintln(os.Stderr, "sftp-client:", err)
			os.Exit(1)
		}
	case *get != "":
		if err := download(sc, *get, *localPath); err != nil {
			fmt.Fprintln(os.Stderr, "sftp-client:", err)
			os.Exit(1)
		}
	case *put != "":
		if err := upload(sc, *put, *remotePath); err != nil {
			fmt.Fprintln(os.Stderr, "sftp-client:", err)
			os.Exit(1)
		}
	default:
		abs, err := sc.Realpath(".")
		if err != nil {
			fmt.Fprintln(os.Stderr, "sftp-client:", err)
			os.Exit(1)
		}
		fmt.Println(abs)
	}
}

// parseTarget splits a "[user@]host[:port]" command-line target into its
// user (empty if not given, resolved later from host config or the local
// user), host alias (looked up against the host config file, falling
// back to being the literal hostname), and port (0 if not given,
// resolved later from host config or the protocol default).
func parseTarget(target string) (targetUser, alias string, port int, err error) {
	if at := strings.IndexByte(target, '@'); at >= 0 {
		targetUser = target[:at]
		target = target[at+1:]
	}
	if h, p, splitErr := net.SplitHostPort(target); splitErr == nil {
		alias = h
		port, err = strconv.Atoi(p)
		if err != nil {
			return "", "", 0, fmt.Errorf("invalid port %q: %w", p, err)
		}
		return targetUser, alias, port, nil
	}
	return targetUser, target, 0, nil
}

// resolveHostConfig looks up alias against the ssh_config-style file at
// path (tilde-expanded), applying OpenSSH's per-host HostName/Port/User/
// IdentityFile resolution. A missing or unreadable config file is not an
// error: the alias is simply taken as the literal hostname, matching
// OpenSSH's own behavior with no ~/.ssh/config present.
func resolveHostConfig(path, alias string) hostconfig.Resolved {
	cfg, err := hostconfig.Load(hostconfig.ExpandTokens(path, alias, "", 0))
	if err != nil {
		return hostconfig.Resolved{HostName: alias, Port: 22}
	}
	return cfg.Lookup(alias)
}

// localUsername falls back to the local user running sftp-client when
// neither the command line nor the host config file names one.
func localUsername() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}

func loadSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(data)
}

func listDir(sc *sftp.Client, path string) error {
	h, err := sc.Opendir(path)
	if err != nil {
		return err
	}
	defer sc.CloseHandle(h)
	for {
		entries, err := sc.Readdir(h)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Println(e.Longname)
		}
	}
}

func download(sc *sftp.Client, remotePath, localPath string) error {
	if localPath == "" {
		return fmt.Errorf("--local is required with --get")
	}
	h, err := sc.Open(remotePath, sftp.FlagRead, sftp.Attrs{})
	if err != nil {
		return err
	}
	defer sc.CloseHandle(h)

	f, err := os.Create(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	var offset uint64
	for {
		data, err := sc.Read(h, offset, 32*1024)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := f.Write(data); err != nil {
			return err
		}
		offset += uint64(len(data))
	}
}

func upload(sc *sftp.Client, localPath, remotePath string) error {
	if remotePath == "" {
		return fmt.Errorf("--remote is required with --put")
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	h, err := sc.Open(remotePath, sftp.FlagWrite|sftp.FlagCreat|sftp.FlagTrunc, sftp.Attrs{})
	if err != nil {
		return err
	}
	defer sc.CloseHandle(h)
	return sc.Write(h, 0, data)
}
