// Package perm opens the daemon's files to members of the "msgport" system
// group on Linux. On other platforms every call is a no-op.
//
//	Path                  Mode   Set by
//	────────────────────  ────   ────────────────
//	<socket dir>/         0770   SetGroupDir
//	config.yaml           0640   SetGroupReadable
//	.message-port         0660   SetGroupSocket
//
// If the group does not exist the files keep their owner-only modes and
// only the daemon's own user can connect.
package perm
