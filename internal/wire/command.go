package wire

// Command types.
const (
	TypeLogin          = "login"
	TypeSignup         = "signup"
	TypeCheckUsername  = "check_username"
	TypeUpdateImage    = "update_image"
	TypeNickname       = "nickname"
	TypePassword       = "password"
	TypeCheckPassword  = "check_old_password"
	TypePasswordResult = "old_password_checked"
	TypeListFiles      = "list_files"
	TypeListShared     = "list_shared_files"
	TypeNewFile        = "new_file"
	TypeOpenFile       = "file_to_open"
	TypeClose          = "close"
	TypeSharedLink     = "filename_from_sharedLink"
	TypeConnection     = "connection"
	TypeDisconnection  = "disconnection"
	TypeError          = "error"

	TypeInsert = "insert"
	TypePaste  = "paste"
	TypeErase  = "erase"
	TypeChange = "change"
	TypeAlign  = "align"
)

// IsOperation reports whether typ is a document edit.
func IsOperation(typ string) bool {
	switch typ {
	case TypeInsert, TypePaste, TypeErase, TypeChange, TypeAlign:
		return true
	}
	return false
}

// Response is the common part of every reply.
type Response struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// OK is a successful reply to typ.
func OK(typ string) Response { return Response{Type: typ, Success: true} }

// Fail is a failed reply to typ.
func Fail(typ, reason string) Response { return Response{Type: typ, Reason: reason} }

// Credentials is a login or signup request. Signup may carry a nickname and
// an avatar blob.
type Credentials struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Password string `json:"password"`
	Nickname string `json:"nickname,omitempty"`
}

// LoginResponse is followed by the user's avatar blob.
type LoginResponse struct {
	Response
	Username string `json:"username,omitempty"`
	Nickname string `json:"nickname,omitempty"`
}

// UserRequest names a user: check_username, update_image, list_files and
// list_shared_files.
type UserRequest struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}

type UserResponse struct {
	Response
	Username string `json:"username,omitempty"`
}

type NicknameRequest struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Nickname string `json:"nickname"`
}

type PasswordRequest struct {
	Type        string `json:"type"`
	Username    string `json:"username"`
	OldPassword string `json:"oldpass"`
	NewPassword string `json:"newpass"`
}

type CheckPasswordRequest struct {
	Type        string `json:"type"`
	Username    string `json:"username"`
	OldPassword string `json:"old_password"`
}

// FileEntry is one row of a file listing.
type FileEntry struct {
	Name  string `json:"name"`
	Owner string `json:"owner"`
}

type ListFilesResponse struct {
	Response
	Shared bool        `json:"shared"`
	Files  []FileEntry `json:"files,omitempty"`
}

type NewFileRequest struct {
	Type     string `json:"type"`
	Author   string `json:"author"`
	Filename string `json:"filename"`
}

type NewFileResponse struct {
	Response
	Filename   string `json:"filename,omitempty"`
	SharedLink string `json:"shared_link,omitempty"`
}

// OpenFileRequest names a file by its key, "name,owner".
type OpenFileRequest struct {
	Type     string `json:"type"`
	Filename string `json:"filename"`
}

type SharedLinkRequest struct {
	Type       string `json:"type"`
	SharedLink string `json:"sharedLink"`
}

type SharedLinkResponse struct {
	Response
	Filename string `json:"filename,omitempty"`
}

type CloseRequest struct {
	Type     string `json:"type"`
	Filename string `json:"filename"`
	Username string `json:"username"`
	Nickname string `json:"nickname"`
}

// User is a collaborator present on a file.
type User struct {
	Username string `json:"username"`
	Nickname string `json:"nickname"`
}

// Connection announces a joining user; it is followed by the avatar blob.
type Connection struct {
	Type     string `json:"type"`
	Filename string `json:"filename"`
	Username string `json:"username"`
	Nickname string `json:"nickname"`
}

type Disconnection struct {
	Type     string `json:"type"`
	Filename string `json:"filename"`
	User     string `json:"user"`
	Nickname string `json:"nickname"`
}
