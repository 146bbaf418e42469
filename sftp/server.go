package sftp

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"github.com/sngardner/mina-sshd/session"
	"github.com/sngardner/mina-sshd/wire"
)

// Subsystem serves SFTP against the local filesystem rooted at Root
// (empty Root serves the process's own view of the filesystem,
// unrestricted). Handle negotiates the protocol version for each SFTP
// session it serves, from MinProtocolVersion..MaxProtocolVersion, keeps
// that session's handles separate from other sessions, and every handler encodes
// its response accordingly. Register Handle under
// session.Server.Subsystems["sftp"].
type Subsystem struct {
	Root string

	mu      sync.Mutex
	nextID  uint64
	files   map[string]*os.File
	dirs    map[string]*dirState
	version uint32
}

type dirState struct {
	entries []os.DirEntry
	pos     int
}

// Handle implements session.SubsystemHandler.
func (sub *Subsystem) Handle(s *session.Session) {
	// Handles and the negotiated version live in a per-call copy so that
	// concurrent sessions sharing one Subsystem do not overwrite each other.
	conn := &Subsystem{
		Root:  sub.Root,
		files: make(map[string]*os.File),
		dirs:  make(map[string]*dirState),
	}

	ch := s.Channel()
	defer ch.Close()

	rw := ch
	typ, payload, err := readPacket(rw.Stdout())
	if err != nil || typ != TypeInit {
		return
	}
	clientVersion := MaxProtocolVersion
	if v, err := wire.NewBufferFrom(payload).GetUint32(); err == nil {
		clientVersion = int(v)
	}
	negotiated := clientVersion
	if negotiated > MaxProtocolVersion {
		negotiated = MaxProtocolVersion
	}
	if negotiated < MinProtocolVersion {
		negotiated = MinProtocolVersion
	}
	conn.mu.Lock()
	conn.version = uint32(negotiated)
	conn.mu.Unlock()

	versionBody := wire.NewBuffer()
	versionBody.PutUint32(uint32(negotiated))
	if _, err := rw.Write(EncodePacket(TypeVersion, 0, versionBody.Bytes())); err != nil {
		return
	}

	for {
		typ, payload, err := readPacket(rw.Stdout())
		if err != nil {
			return
		}
		if len(payload) < 4 {
			return
		}
		buf := wire.NewBufferFrom(payload)
		id, _ := buf.GetUint32()
		resp := conn.dispatch(typ, buf)
		if _, err := rw.Write(EncodePacket(resp.typ, id, resp.body)); err != nil {
			return
		}
	}
}

type serverResponse struct {
	typ  byte
	body []byte
}

func statusResponse(code uint32, message string) serverResponse {
	buf := wire.NewBuffer()
	buf.PutUint32(code)
	buf.PutText(message)
	buf.PutText("en")
	return serverResponse{typ: TypeStatus, body: buf.Bytes()}
}

func okResponse() serverResponse { return statusResponse(StatusOK, "OK") }

func errResponse(err error) serverResponse {
	switch {
	case err == nil:
		return okResponse()
	case os.IsNotExist(err):
		return statusResponse(StatusNoSuchFile, err.Error())
	case os.IsPermission(err):
		return statusResponse(StatusPermissionDenied, err.Error())
	case err == io.EOF:
		return statusResponse(StatusEOF, "EOF")
	default:
		return statusResponse(StatusFailure, err.Error())
	}
}

func (sub *Subsystem) dispatch(typ byte, buf *wire.Buffer) serverResponse {
	sub.mu.Lock()
	version := sub.version
	sub.mu.Unlock()

	switch typ {
	case TypeOpen:
		return sub.handleOpen(buf, version)
	case TypeClose:
		return sub.handleClose(buf)
	case TypeRead:
		return sub.handleRead(buf)
	case TypeWrite:
		return sub.handleWrite(buf)
	case TypeLstat:
		return sub.handleStat(buf, version, os.Lstat)
	case TypeStat:
		return sub.handleStat(buf, version, os.Stat)
	case TypeFstat:
		return sub.handleFstat(buf, version)
	case TypeSetstat:
		return sub.handleSetstat(buf, version)
	case TypeRemove:
		return sub.handleRemove(buf)
	case TypeRename:
		return sub.handleRename(buf)
	case TypeMkdir:
		return sub.handleMkdir(buf, version)
	case TypeRmdir:
		return sub.handleRmdir(buf)
	case TypeOpendir:
		return sub.handleOpendir(buf)
	case TypeReaddir:
		return sub.handleReaddir(buf, version)
	case TypeRealpath:
		return sub.handleRealpath(buf, version)
	case TypeReadlink:
		return sub.handleReadlink(buf, version)
	case TypeSymlink:
		return sub.handleSymlink(buf)
	case TypeLink:
		return sub.handleLink(buf, version)
	default:
		return statusResponse(StatusOpUnsupported, fmt.Sprintf("unsupported packet type %d", typ))
	}
}

func (sub *Subsystem) resolve(path string) string {
	if sub.Root == "" {
		return path
	}
	return filepath.Join(sub.Root, filepath.Clean("/"+path))
}

func (sub *Subsystem) newHandle() string {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	sub.nextID++
	return strconv.FormatUint(sub.nextID, 10)
}

func openFlagsToOS(pflags uint32) int {
	var flags int
	switch {
	case pflags&FlagRead != 0 && pflags&FlagWrite != 0:
		flags = os.O_RDWR
	case pflags&FlagWrite != 0:
		flags = os.O_WRONLY
	default:
		flags = os.O_RDONLY
	}
	if pflags&FlagAppend != 0 {
		flags |= os.O_APPEND
	}
	if pflags&FlagCreat != 0 {
		flags |= os.O_CREATE
	}
	if pflags&FlagTrunc != 0 {
		flags |= os.O_TRUNC
	}
	if pflags&FlagExcl != 0 {
		flags |= os.O_EXCL
	}
	return flags
}

func (sub *Subsystem) handleOpen(buf *wire.Buffer, version uint32) serverResponse {
	path, err := buf.GetText()
	if err != nil {
		return errResponse(err)
	}
	var osFlags int
	if version < 5 {
		pflags, err := buf.GetUint32()
		if err != nil {
			return errResponse(err)
		}
		osFlags = openFlagsToOS(pflags)
	} else {
		access, err := buf.GetUint32()
		if err != nil {
			return errResponse(err)
		}
		disposition, err := buf.GetUint32()
		if err != nil {
			return errResponse(err)
		}
		osFlags = accessDispositionToOS(access, disposition)
	}
	attrs, err := DecodeAttrs(buf, version)
	if err != nil {
		return errResponse(err)
	}
	mode := os.FileMode(0644)
	if attrs.Flags&AttrPermissions != 0 {
		mode = os.FileMode(attrs.Permissions & 0777)
	}
	f, err := os.OpenFile(sub.resolve(path), osFlags, mode)
	if err != nil {
		return errResponse(err)
	}
	h := sub.newHandle()
	sub.mu.Lock()
	sub.files[h] = f
	sub.mu.Unlock()
	return handleResponse(h)
}

func handleResponse(h string) serverResponse {
	buf := wire.NewBuffer()
	buf.PutText(h)
	return serverResponse{typ: TypeHandle, body: buf.Bytes()}
}

func (sub *Subsystem) takeFile(buf *wire.Buffer) (*os.File, string, error) {
	h, err := buf.GetText()
	if err != nil {
		return nil, "", err
	}
	sub.mu.Lock()
	f, ok := sub.files[h]
	sub.mu.Unlock()
	if !ok {
		return nil, h, fmt.Errorf("sftp: unknown file handle")
	}
	return f, h, nil
}

func (sub *Subsystem) takeDir(buf *wire.Buffer) (*dirState, string, error) {
	h, err := buf.GetText()
	if err != nil {
		return nil, "", err
	}
	sub.mu.Lock()
	d, ok := sub.dirs[h]
	sub.mu.Unlock()
	if !ok {
		return nil, h, fmt.Errorf("sftp: unknown directory handle")
	}
	return d, h, nil
}

func (sub *Subsystem) handleClose(buf *wire.Buffer) serverResponse {
	h, err := buf.GetText()
	if err != nil {
		return errResponse(err)
	}
	sub.mu.Lock()
	if f, ok := sub.files[h]; ok {
		delete(sub.files, h)
		sub.mu.Unlock()
		return errResponse(f.Close())
	}
	if _, ok := sub.dirs[h]; ok {
		delete(sub.dirs, h)
	}
	sub.mu.Unlock()
	return okResponse()
}

func (sub *Subsystem) handleRead(buf *wire.Buffer) serverResponse {
	f, _, err := sub.takeFile(buf)
	if err != nil {
		return errResponse(err)
	}
	offset, err := buf.GetUint64()
	if err != nil {
		return errResponse(err)
	}
	length, err := buf.GetUint32()
	if err != nil {
		return errResponse(err)
	}
	data := make([]byte, length)
	n, err := f.ReadAt(data, int64(offset))
	if n == 0 && err != nil {
		return errResponse(err)
	}
	out := wire.NewBuffer()
	out.PutString(data[:n])
	return serverResponse{typ: TypeData, body: out.Bytes()}
}

func (sub *Subsystem) handleWrite(buf *wire.Buffer) serverResponse {
	f, _, err := sub.takeFile(buf)
	if err != nil {
		return errResponse(err)
	}
	offset, err := buf.GetUint64()
	if err != nil {
		return errResponse(err)
	}
	data, err := buf.GetString()
	if err != nil {
		return errResponse(err)
	}
	_, err = f.WriteAt(data, int64(offset))
	return errResponse(err)
}

func attrsResponse(a Attrs, version uint32) serverResponse {
	out := wire.NewBuffer()
	a.Marshal(out, version)
	return serverResponse{typ: TypeAttrs, body: out.Bytes()}
}

func (sub *Subsystem) handleStat(buf *wire.Buffer, version uint32, statFn func(string) (os.FileInfo, error)) serverResponse {
	path, err := buf.GetText()
	if err != nil {
		return errResponse(err)
	}
	fi, err := statFn(sub.resolve(path))
	if err != nil {
		return errResponse(err)
	}
	return attrsResponse(attrsWithOwner(fi), version)
}

func (sub *Subsystem) handleFstat(buf *wire.Buffer, version uint32) serverResponse {
	f, _, err := sub.takeFile(buf)
	if err != nil {
		return errResponse(err)
	}
	fi, err := f.Stat()
	if err != nil {
		return errResponse(err)
	}
	return attrsResponse(attrsWithOwner(fi), version)
}

// attrsWithOwner fills in uid/gid (and, for v4+ responses, the owner/group
// name strings resolved from them) from the platform-specific stat_t when
// available, in addition to the portable fields FromFileInfo derives.
func attrsWithOwner(fi os.FileInfo) Attrs {
	a := FromFileInfo(fi)
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		a.Flags |= AttrUIDGID | AttrV4OwnerGroup
		a.UID = st.Uid
		a.GID = st.Gid
		a.Owner, a.Group = lookupOwnerGroup(st.Uid, st.Gid)
	}
	return a
}

func (sub *Subsystem) handleSetstat(buf *wire.Buffer, version uint32) serverResponse {
	path, err := buf.GetText()
	if err != nil {
		return errResponse(err)
	}
	attrs, err := DecodeAttrs(buf, version)
	if err != nil {
		return errResponse(err)
	}
	full := sub.resolve(path)
	if attrs.Flags&AttrPermissions != 0 {
		if err := os.Chmod(full, os.FileMode(attrs.Permissions&0777)); err != nil {
			return errResponse(err)
		}
	}
	if attrs.Flags&AttrSize != 0 {
		if err := os.Truncate(full, int64(attrs.Size)); err != nil {
			return errResponse(err)
		}
	}
	if attrs.Flags&AttrUIDGID != 0 {
		if err := os.Chown(full, int(attrs.UID), int(attrs.GID)); err != nil {
			return errResponse(err)
		}
	}
	return okResponse()
}

func (sub *Subsystem) handleRemove(buf *wire.Buffer) serverResponse {
	path, err := buf.GetText()
	if err != nil {
		return errResponse(err)
	}
	return errResponse(os.Remove(sub.resolve(path)))
}

func (sub *Subsystem) handleRename(buf *wire.Buffer) serverResponse {
	oldPath, err := buf.GetText()
	if err != nil {
		return errResponse(err)
	}
	newPath, err := buf.GetText()
	if err != nil {
		return errResponse(err)
	}
	return errResponse(os.Rename(sub.resolve(oldPath), sub.resolve(newPath)))
}

func (sub *Subsystem) handleMkdir(buf *wire.Buffer, version uint32) serverResponse {
	path, err := buf.GetText()
	if err != nil {
		return errResponse(err)
	}
	attrs, err := DecodeAttrs(buf, version)
	if err != nil {
		return errResponse(err)
	}
	mode := os.FileMode(0755)
	if attrs.Flags&AttrPermissions != 0 {
		mode = os.FileMode(attrs.Permissions & 0777)
	}
	return errResponse(os.Mkdir(sub.resolve(path), mode))
}

func (sub *Subsystem) handleRmdir(buf *wire.Buffer) serverResponse {
	path, err := buf.GetText()
	if err != nil {
		return errResponse(err)
	}
	return errResponse(os.Remove(sub.resolve(path)))
}

func (sub *Subsystem) handleOpendir(buf *wire.Buffer) serverResponse {
	path, err := buf.GetText()
	if err != nil {
		return errResponse(err)
	}
	entries, err := os.ReadDir(sub.resolve(path))
	if err != nil {
		return errResponse(err)
	}
	h := sub.newHandle()
	sub.mu.Lock()
	sub.dirs[h] = &dirState{entries: entries}
	sub.mu.Unlock()
	return handleResponse(h)
}

func (sub *Subsystem) handleReaddir(buf *wire.Buffer, version uint32) serverResponse {
	d, _, err := sub.takeDir(buf)
	if err != nil {
		return errResponse(err)
	}
	if d.pos >= len(d.entries) {
		return errResponse(io.EOF)
	}
	const batch = 64
	end := d.pos + batch
	if end > len(d.entries) {
		end = len(d.entries)
	}
	out := wire.NewBuffer()
	out.PutUint32(uint32(end - d.pos))
	for _, e := range d.entries[d.pos:end] {
		fi, err := e.Info()
		if err != nil {
			continue
		}
		out.PutText(e.Name())
		if version < 4 {
			out.PutText(longname(fi))
		}
		attrsWithOwner(fi).Marshal(out, version)
	}
	d.pos = end
	return serverResponse{typ: TypeName, body: out.Bytes()}
}

func longname(fi os.FileInfo) string {
	return fmt.Sprintf("%s %12d %s", fi.Mode().String(), fi.Size(), fi.Name())
}

func (sub *Subsystem) handleRealpath(buf *wire.Buffer, version uint32) serverResponse {
	path, err := buf.GetText()
	if err != nil {
		return errResponse(err)
	}
	abs, err := filepath.Abs(sub.resolve(path))
	if err != nil {
		return errResponse(err)
	}
	return singleNameResponse(abs, version)
}

func (sub *Subsystem) handleReadlink(buf *wire.Buffer, version uint32) serverResponse {
	path, err := buf.GetText()
	if err != nil {
		return errResponse(err)
	}
	target, err := os.Readlink(sub.resolve(path))
	if err != nil {
		return errResponse(err)
	}
	return singleNameResponse(target, version)
}

func singleNameResponse(name string, version uint32) serverResponse {
	out := wire.NewBuffer()
	out.PutUint32(1)
	out.PutText(name)
	if version < 4 {
		out.PutText(name)
	}
	Attrs{}.Marshal(out, version)
	return serverResponse{typ: TypeName, body: out.Bytes()}
}

func (sub *Subsystem) handleSymlink(buf *wire.Buffer) serverResponse {
	linkPath, err := buf.GetText()
	if err != nil {
		return errResponse(err)
	}
	targetPath, err := buf.GetText()
	if err != nil {
		return errResponse(err)
	}
	return errResponse(os.Symlink(sub.resolve(targetPath), sub.resolve(linkPath)))
}

// handleLink implements the v6 unified SSH_FXP_LINK request: newpath,
// oldpath, symbolic. Hard links (symbolic == false) require protocol
// version 6; draft-ietf-secsh-filexfer never defined hard-link support
// for v3-v5, so a non-symbolic request on an older connection is
// rejected rather than silently creating a symlink.
func (sub *Subsystem) handleLink(buf *wire.Buffer, version uint32) serverResponse {
	newPath, err := buf.GetText()
	if err != nil {
		return errResponse(err)
	}
	oldPath, err := buf.GetText()
	if err != nil {
		return errResponse(err)
	}
	symbolic, err := buf.GetBoolean()
	if err != nil {
		return errResponse(err)
	}
	if !symbolic && version < 6 {
		return statusResponse(StatusOpUnsupported, "hard links require protocol version 6")
	}
	if symbolic {
		return errResponse(os.Symlink(sub.resolve(oldPath), sub.resolve(newPath)))
	}
	return errResponse(os.Link(sub.resolve(oldPath), sub.resolve(newPath)))
}
