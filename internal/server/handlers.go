package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"

	"collabtext/internal/metrics"
	"collabtext/internal/registry"
	"collabtext/internal/store"
	"collabtext/internal/wire"
)

const (
	reasonDatabase      = "Database error"
	reasonInvalidLogin  = "Invalid username and/or password"
	reasonOnline        = "Already connected from another device"
	reasonUserExists    = "The username already exists"
	reasonNoUser        = "The username doesn't exist"
	reasonNoAccount     = "No account found for this username"
	reasonWrongPassword = "Wrong password"
	reasonNoFiles       = "You don't have files yet."
	reasonFileExists    = "This file already exists. Please enter a new filename."
	reasonNoSharedFile  = "No file corresponding to shared link."
	reasonNoFile        = "File not exist"
	reasonFileOpen      = "Another file is already open"
	reasonNotLoggedIn   = "Not logged in"
	reasonLoggedIn      = "Already logged in"
	reasonDenied        = "Permission denied"
	reasonNoFileOpen    = "No file open"
	reasonBadOperation  = "Wrong operation format"
	reasonJSON          = "JSON error"
	reasonUnknown       = "Unknown message type"
)

// labels name request fields in failure reasons.
var labels = map[string]string{
	"username":     "username",
	"author":       "username",
	"password":     "password",
	"old_password": "password",
	"oldpass":      "old password",
	"newpass":      "new password",
	"nickname":     "nickname",
	"filename":     "filename",
	"sharedLink":   "shared link",
}

// request is a received command with its fields left raw, so that a field
// of the wrong JSON type can be told apart from an empty one.
type request struct {
	typ    string
	fields map[string]json.RawMessage
	frame  *wire.Frame
}

// str returns field name as a string, or the reason it is unusable.
func (r request) str(name string) (string, string) {
	label := labels[name]
	raw, ok := r.fields[name]
	var v string
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) || json.Unmarshal(raw, &v) != nil {
		return "", "Wrong " + label + " format"
	}
	return v, ""
}

// text is str with whitespace runs collapsed; empty values are rejected.
func (r request) text(name string) (string, string) {
	v, why := r.str(name)
	if why != "" {
		return "", why
	}
	v = strings.Join(strings.Fields(v), " ")
	if v == "" {
		return "", "Empty " + labels[name]
	}
	return v, ""
}

// secret is str for passwords, which are kept verbatim.
func (r request) secret(name string) (string, string) {
	v, why := r.str(name)
	if why != "" {
		return "", why
	}
	if strings.TrimSpace(v) == "" {
		return "", "Empty " + labels[name]
	}
	return v, ""
}

type handler func(s *Session, ctx context.Context, r request)

var guestHandlers = map[string]handler{
	wire.TypeLogin:         (*Session).login,
	wire.TypeSignup:        (*Session).signup,
	wire.TypeCheckUsername: (*Session).checkUsername,
}

var userHandlers = map[string]handler{
	wire.TypeUpdateImage:   (*Session).updateImage,
	wire.TypeNickname:      (*Session).updateNickname,
	wire.TypePassword:      (*Session).updatePassword,
	wire.TypeCheckPassword: (*Session).checkPassword,
	wire.TypeListFiles:     (*Session).listFiles,
	wire.TypeListShared:    (*Session).listFiles,
	wire.TypeSharedLink:    (*Session).resolveSharedLink,
	wire.TypeNewFile:       (*Session).newFile,
	wire.TypeOpenFile:      (*Session).openFile,
	wire.TypeClose:         (*Session).closeFile,
}

func (s *Session) handle(ctx context.Context, f *wire.Frame, readErr error) {
	if readErr != nil {
		s.log.Debug("malformed frame", "err", readErr)
		s.fail(cmpType(f.Type, wire.TypeError), reasonJSON)
		return
	}
	r := request{typ: f.Type, frame: f}
	if err := f.Decode(&r.fields); err != nil {
		s.fail(f.Type, reasonJSON)
		return
	}

	if wire.IsOperation(r.typ) {
		s.operation(ctx, r)
		return
	}
	if h, ok := guestHandlers[r.typ]; ok {
		if s.state != stateGuest {
			s.fail(r.typ, reasonLoggedIn)
			return
		}
		h(s, ctx, r)
		return
	}
	if h, ok := userHandlers[r.typ]; ok {
		if s.state == stateGuest {
			s.fail(r.typ, reasonNotLoggedIn)
			return
		}
		h(s, ctx, r)
		return
	}
	s.fail(r.typ, reasonUnknown)
}

func cmpType(typ, fallback string) string {
	if typ == "" {
		return fallback
	}
	return typ
}

func (s *Session) send(typ string, success bool, v any, blobs ...[]byte) {
	f, err := wire.NewFrame(v, blobs...)
	if err != nil {
		s.log.Error("encode reply", "type", typ, "err", err)
		return
	}
	metrics.RecordRequest(typ, success)
	s.reply(f)
}

func (s *Session) ok(typ string, v any, blobs ...[]byte) { s.send(typ, true, v, blobs...) }

func (s *Session) fail(typ, reason string) { s.send(typ, false, wire.Fail(typ, reason)) }

func (s *Session) dbFail(typ, reason string, err error) {
	s.log.Error("store failure", "type", typ, "err", err)
	s.fail(typ, reason)
}

// self checks that a request names the logged-in user.
func (s *Session) self(r request, field string) (string, string) {
	user, why := r.text(field)
	if why != "" {
		return "", why
	}
	if user != s.User().Username {
		return "", reasonDenied
	}
	return user, ""
}

func (s *Session) login(ctx context.Context, r request) {
	const typ = wire.TypeLogin
	user, why := r.text("username")
	if why != "" {
		s.fail(typ, why)
		return
	}
	if s.srv.online(user) {
		s.fail(typ, reasonOnline)
		return
	}
	pass, why := r.secret("password")
	if why != "" {
		s.fail(typ, why)
		return
	}
	nick, err := s.srv.store.Login(ctx, user, pass)
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrWrongPassword):
		s.fail(typ, reasonInvalidLogin)
		return
	case err != nil:
		s.dbFail(typ, reasonDatabase, err)
		return
	}
	if !s.srv.claim(user, s) {
		s.fail(typ, reasonOnline)
		return
	}
	avatar, err := s.srv.store.Avatar(ctx, user)
	if err != nil {
		s.log.Warn("load avatar", "user", user, "err", err)
	}
	s.setUser(user, nick, avatar)
	s.state = stateAuthenticated
	s.log = s.log.With("user", user)
	s.log.Info("logged in")
	s.ok(typ, wire.LoginResponse{Response: wire.OK(typ), Username: user, Nickname: nick}, avatar)
}

func (s *Session) signup(ctx context.Context, r request) {
	const typ = wire.TypeSignup
	user, why := r.text("username")
	if why != "" {
		s.fail(typ, why)
		return
	}
	// file keys are "name,owner"
	if strings.Contains(user, ",") {
		s.fail(typ, "Wrong username format")
		return
	}
	pass, why := r.secret("password")
	if why != "" {
		s.fail(typ, why)
		return
	}
	nick, _ := r.text("nickname")
	err := s.srv.store.Signup(ctx, user, pass, nick)
	switch {
	case errors.Is(err, store.ErrExists):
		s.fail(typ, reasonUserExists)
		return
	case err != nil:
		s.dbFail(typ, reasonDatabase, err)
		return
	}
	if img := r.frame.Blob(0); len(img) > 0 {
		if err := s.srv.store.SetAvatar(ctx, user, img); err != nil {
			s.log.Warn("store avatar", "user", user, "err", err)
		}
	}
	s.ok(typ, wire.OK(typ))
}

func (s *Session) checkUsername(ctx context.Context, r request) {
	const typ = wire.TypeCheckUsername
	user, why := r.text("username")
	if why != "" {
		s.fail(typ, why)
		return
	}
	exists, err := s.srv.store.UsernameExists(ctx, user)
	switch {
	case err != nil:
		s.dbFail(typ, reasonDatabase, err)
	case exists:
		s.send(typ, false, wire.UserResponse{Response: wire.Fail(typ, reasonUserExists), Username: user})
	default:
		s.ok(typ, wire.UserResponse{Response: wire.OK(typ), Username: user})
	}
}

func (s *Session) updateImage(ctx context.Context, r request) {
	const typ = wire.TypeUpdateImage
	u := s.User()
	img := r.frame.Blob(0)
	if err := s.srv.store.SetAvatar(ctx, u.Username, img); err != nil {
		s.dbFail(typ, reasonDatabase, err)
		return
	}
	s.setUser(u.Username, u.Nickname, img)
	s.ok(typ, wire.OK(typ))
}

func (s *Session) updateNickname(ctx context.Context, r request) {
	const typ = wire.TypeNickname
	user, why := s.self(r, "username")
	if why != "" {
		s.fail(typ, why)
		return
	}
	nick, why := r.text("nickname")
	if why != "" {
		s.fail(typ, why)
		return
	}
	err := s.srv.store.UpdateNickname(ctx, user, nick)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.fail(typ, reasonNoUser)
		return
	case err != nil:
		s.dbFail(typ, reasonDatabase, err)
		return
	}
	s.setUser(user, nick, s.Avatar())
	s.ok(typ, wire.OK(typ))
}

func (s *Session) updatePassword(ctx context.Context, r request) {
	const typ = wire.TypePassword
	user, why := s.self(r, "username")
	if why != "" {
		s.fail(typ, why)
		return
	}
	oldPass, why := r.secret("oldpass")
	if why != "" {
		s.fail(typ, why)
		return
	}
	newPass, why := r.secret("newpass")
	if why != "" {
		s.fail(typ, why)
		return
	}
	err := s.srv.store.UpdatePassword(ctx, user, oldPass, newPass)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.fail(typ, reasonNoAccount)
	case errors.Is(err, store.ErrWrongPassword):
		s.fail(typ, reasonWrongPassword)
	case err != nil:
		s.dbFail(typ, reasonDatabase, err)
	default:
		s.ok(typ, wire.OK(typ))
	}
}

func (s *Session) checkPassword(ctx context.Context, r request) {
	const typ = wire.TypePasswordResult
	user, why := s.self(r, "username")
	if why != "" {
		s.fail(typ, why)
		return
	}
	pass, why := r.secret("old_password")
	if why != "" {
		s.fail(typ, why)
		return
	}
	err := s.srv.store.CheckPassword(ctx, user, pass)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.fail(typ, reasonNoUser)
	case errors.Is(err, store.ErrWrongPassword):
		s.fail(typ, reasonWrongPassword)
	case err != nil:
		s.dbFail(typ, reasonDatabase, err)
	default:
		s.ok(typ, wire.OK(typ))
	}
}

// listFiles answers both list_files and list_shared_files; the reply is a
// list_files message either way, told apart by its shared flag.
func (s *Session) listFiles(ctx context.Context, r request) {
	const typ = wire.TypeListFiles
	shared := r.typ == wire.TypeListShared
	user, why := s.self(r, "username")
	if why != "" {
		s.fail(typ, why)
		return
	}
	keys, err := s.srv.store.ListFiles(ctx, user, shared)
	if err != nil {
		s.dbFail(typ, reasonDatabase+".", err)
		return
	}
	if len(keys) == 0 {
		s.send(typ, false, wire.ListFilesResponse{Response: wire.Fail(typ, reasonNoFiles), Shared: shared})
		return
	}
	files := make([]wire.FileEntry, len(keys))
	for i, k := range keys {
		files[i] = wire.FileEntry{Name: k.Name, Owner: k.Owner}
	}
	s.ok(typ, wire.ListFilesResponse{Response: wire.OK(typ), Shared: shared, Files: files})
}

func (s *Session) resolveSharedLink(ctx context.Context, r request) {
	const typ = wire.TypeSharedLink
	link, why := r.text("sharedLink")
	if why != "" {
		s.fail(typ, why)
		return
	}
	key, err := s.srv.store.ResolveSharedLink(ctx, link, s.User().Username)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.fail(typ, reasonNoSharedFile)
	case err != nil:
		s.dbFail(typ, reasonDatabase+".", err)
	default:
		s.ok(typ, wire.SharedLinkResponse{Response: wire.OK(typ), Filename: key.String()})
	}
}

func (s *Session) newFile(ctx context.Context, r request) {
	const typ = wire.TypeNewFile
	if s.state == stateFileOpen {
		s.fail(typ, reasonFileOpen)
		return
	}
	user, why := s.self(r, "author")
	if why != "" {
		s.fail(typ, why)
		return
	}
	name, why := r.text("filename")
	if why != "" {
		s.fail(typ, why)
		return
	}
	key := store.FileKey{Name: name, Owner: user}
	exists, err := s.srv.store.FileExists(ctx, key)
	if err != nil {
		s.dbFail(typ, reasonDatabase+".", err)
		return
	}
	if exists {
		s.fail(typ, reasonFileExists)
		return
	}
	err = s.srv.reg.Create(ctx, key, s, func(link string, _ registry.Join) error {
		s.ok(typ, wire.NewFileResponse{Response: wire.OK(typ), Filename: key.String(), SharedLink: link})
		return nil
	})
	switch {
	case errors.Is(err, store.ErrExists):
		s.fail(typ, reasonFileExists)
		return
	case err != nil:
		s.dbFail(typ, reasonDatabase+".", err)
		return
	}
	s.state, s.file = stateFileOpen, key
	s.log.Info("created file", "file", key.String())
}

// canOpen reports whether the session's user owns key or had it shared.
func (s *Session) canOpen(ctx context.Context, key store.FileKey) (bool, error) {
	user := s.User().Username
	if key.Owner == user {
		return true, nil
	}
	shared, err := s.srv.store.ListFiles(ctx, user, true)
	if err != nil {
		return false, err
	}
	return slices.Contains(shared, key), nil
}

func (s *Session) openFile(ctx context.Context, r request) {
	const typ = wire.TypeOpenFile
	if s.state == stateFileOpen {
		s.fail(typ, reasonFileOpen)
		return
	}
	name, why := r.text("filename")
	if why != "" {
		s.fail(typ, why)
		return
	}
	key, err := store.ParseFileKey(name)
	if err != nil {
		s.fail(typ, "Wrong filename format")
		return
	}
	allowed, err := s.canOpen(ctx, key)
	if err != nil {
		s.dbFail(typ, reasonDatabase, err)
		return
	}
	if !allowed {
		s.fail(typ, reasonNoFile)
		return
	}
	link, err := s.srv.store.SharedLink(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.fail(typ, reasonNoFile)
		return
	case err != nil:
		s.dbFail(typ, reasonDatabase, err)
		return
	}

	err = s.srv.reg.Open(ctx, key, s, func(j registry.Join) error {
		snap := wire.Snapshot{Filename: key.String(), Symbols: j.Symbols, SharedLink: link}
		for _, p := range j.Others {
			snap.Users = append(snap.Users, p.User())
			snap.Avatars = append(snap.Avatars, p.Avatar())
		}
		if err := s.stream(snap); err != nil {
			return err
		}
		metrics.RecordRequest(typ, true)

		u := s.User()
		notice := wire.MustFrame(wire.Connection{
			Type:     wire.TypeConnection,
			Filename: key.String(),
			Username: u.Username,
			Nickname: u.Nickname,
		}, s.Avatar())
		for _, p := range j.Others {
			p.Send(notice)
		}
		return nil
	})
	switch {
	case errors.Is(err, errSlowPeer):
		return
	case errors.Is(err, store.ErrNotFound):
		s.fail(typ, reasonNoFile)
		return
	case err != nil:
		s.dbFail(typ, reasonDatabase, err)
		return
	}
	s.state, s.file = stateFileOpen, key
	s.log.Info("opened file", "file", key.String())
}

func (s *Session) closeFile(ctx context.Context, r request) {
	const typ = wire.TypeClose
	name, why := r.text("filename")
	if why != "" {
		s.fail(typ, why)
		return
	}
	for _, field := range []string{"username", "nickname"} {
		if _, why := r.text(field); why != "" {
			s.fail(typ, why)
			return
		}
	}
	if s.state != stateFileOpen || name != s.file.String() {
		s.fail(typ, reasonNoFile)
		return
	}
	if err := s.srv.reg.Leave(ctx, s.file, s, s.disconnection()); err != nil {
		s.fail(typ, reasonNoFile)
		return
	}
	s.log.Info("closed file", "file", s.file.String())
	s.state, s.file = stateAuthenticated, store.FileKey{}
	s.ok(typ, wire.OK(typ))
}

// operation applies an edit and relays it to the file's other sessions.
// Successful edits are not acknowledged.
func (s *Session) operation(ctx context.Context, r request) {
	if s.state != stateFileOpen {
		s.fail(r.typ, reasonNoFileOpen)
		return
	}
	var m wire.Operation
	if err := r.frame.Decode(&m); err != nil {
		s.fail(r.typ, reasonBadOperation)
		return
	}
	err := s.srv.reg.Apply(ctx, s.file, s, m, r.frame)
	switch {
	case errors.Is(err, wire.ErrBadOperation):
		s.fail(r.typ, reasonBadOperation)
	case err != nil:
		s.fail(r.typ, reasonNoFileOpen)
	}
}
