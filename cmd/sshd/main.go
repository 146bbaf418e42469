// Command sshd is a minimal SSH server exercising the connection layer
// end to end: session channels with shell/exec/pty support, local
// (direct-tcpip) and remote (tcpip-forward) port forwarding, the sftp
// subsystem, and auth-agent@openssh.com relaying.
package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/spf13/pflag"
	"golang.org/x/crypto/ssh"

	"github.com/sngardner/mina-sshd/connsvc"
	"github.com/sngardner/mina-sshd/forward"
	"github.com/sngardner/mina-sshd/hostconfig"
	"github.com/sngardner/mina-sshd/session"
	"github.com/sngardner/mina-sshd/sftp"
	"github.com/sngardner/mina-sshd/transport"
	"github.com/sngardner/mina-sshd/wire"
)

func main() {
	var (
		listenAddr     = pflag.StringP("listen", "l", ":2222", "address to listen on")
		hostKeyPaths   = pflag.StringArray("host-key", nil, "host private key file (repeatable)")
		authorizedKeys = pflag.String("authorized-keys", "", "authorized_keys file for publickey auth")
		sftpRoot       = pflag.String("sftp-root", "", "root directory the sftp subsystem is confined to")
		maxChannels    = pflag.Int("max-channels", 256, "maximum concurrent channels per connection")
		agentForward   = pflag.Bool("allow-agent-forwarding", false, "honor auth-agent-req@openssh.com and relay to the client's agent")
	)
	pflag.Parse()

	log := slog.Default()

	if len(*hostKeyPaths) == 0 {
		fmt.Fprintln(os.Stderr, "sshd: at least one --host-key is required")
		os.Exit(2)
	}

	config := &ssh.ServerConfig{}
	for _, path := range *hostKeyPaths {
		key, err := loadHostKey(path)
		if err != nil {
			log.Error("failed to load host key", "path", path, "err", err)
			os.Exit(1)
		}
		config.AddHostKey(key)
	}

	var authKeys *hostconfig.AuthorizedKeys
	if *authorizedKeys != "" {
		var err error
		authKeys, err = hostconfig.LoadAuthorizedKeys(*authorizedKeys)
		if err != nil {
			log.Error("failed to load authorized_keys", "path", *authorizedKeys, "err", err)
			os.Exit(1)
		}
	}
	config.PublicKeyCallback = func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
		if authKeys == nil || !authKeys.Contains(key) {
			return nil, fmt.Errorf("unknown public key for user %q", conn.User())
		}
		return &ssh.Permissions{}, nil
	}

	ln, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		log.Error("listen failed", "addr", *listenAddr, "err", err)
		os.Exit(1)
	}
	log.Info("sshd listening", "addr", ln.Addr())

	sub := &sftp.Subsystem{Root: *sftpRoot}
	for {
		netConn, err := ln.Accept()
		if err != nil {
			log.Error("accept failed", "err", err)
			return
		}
		go serveConn(netConn, config, *maxChannels, sub, *agentForward, log)
	}
}

func serveConn(netConn net.Conn, config *ssh.ServerConfig, maxChannels int, sub *sftp.Subsystem, agentForward bool, log *slog.Logger) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		log.Warn("handshake failed", "remote", netConn.RemoteAddr(), "err", err)
		return
	}
	defer sshConn.Close()
	log.Info("connection established", "remote", netConn.RemoteAddr(), "user", sshConn.User())

	conn := transport.NewCryptoConn(sshConn, chans, reqs)
	svc := connsvc.New(conn, maxChannels)
	svc.SetLogger(log)

	sessionSrv := &session.Server{
		Logger: log,
		Subsystems: map[string]session.SubsystemHandler{
			"sftp": sub.Handle,
		},
		AllowAgentForwarding: agentForward,
	}
	svc.RegisterChannelType(wire.ChannelTypeSession, sessionSrv.Open)

	direct := &forward.DirectDialer{}
	svc.RegisterChannelType(wire.ChannelTypeDirectTCPIP, direct.Handle)

	remoteForwarder := forward.NewRemoteForwarder()
	svc.AddGlobalRequestHandler(remoteForwarder.Handle)
	defer remoteForwarder.CloseAll()

	if err := conn.Serve(svc); err != nil {
		log.Warn("connection serve ended", "remote", netConn.RemoteAddr(), "err", err)
	}
}

func loadHostKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(data)
}
