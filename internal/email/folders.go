package email

import (
	"strings"

	"github.com/emersion/go-imap"

	"github.com/brandon/mailsync/pkg/types"
)

// SPECIAL-USE (RFC 6154) and LIST attributes.
const (
	attrNoSelect = imap.NoSelectAttr
	attrAll      = imap.AllAttr
	attrArchive  = imap.ArchiveAttr
	attrDrafts   = imap.DraftsAttr
	attrJunk     = imap.JunkAttr
	attrSent     = imap.SentAttr
	attrTrash    = imap.TrashAttr
)

// FolderInfo is a mailbox as reported by LIST.
type FolderInfo struct {
	Name       string
	Path       string
	Delimiter  string
	Attributes []string
	Type       types.FolderType
	Selectable bool
}

// DetectFolderType derives the folder role from SPECIAL-USE attributes and
// falls back to well-known mailbox names.
func DetectFolderType(path string, attrs []string) types.FolderType {
	for _, attr := range attrs {
		switch {
		case strings.EqualFold(attr, attrSent):
			return types.FolderSent
		case strings.EqualFold(attr, attrDrafts):
			return types.FolderDrafts
		case strings.EqualFold(attr, attrTrash):
			return types.FolderTrash
		case strings.EqualFold(attr, attrJunk):
			return types.FolderSpam
		case strings.EqualFold(attr, attrArchive), strings.EqualFold(attr, attrAll):
			return types.FolderArchive
		}
	}

	if strings.EqualFold(path, "INBOX") {
		return types.FolderInbox
	}

	name := strings.ToLower(leafName(path))
	switch name {
	case "sent", "sent items", "sent mail", "sent messages":
		return types.FolderSent
	case "drafts", "draft":
		return types.FolderDrafts
	case "trash", "bin", "deleted", "deleted items", "deleted messages":
		return types.FolderTrash
	case "spam", "junk", "junk e-mail", "junk email", "bulk mail":
		return types.FolderSpam
	case "archive", "archives", "all mail":
		return types.FolderArchive
	}
	return types.FolderCustom
}

func hasAttr(attrs []string, target string) bool {
	for _, a := range attrs {
		if strings.EqualFold(a, target) {
			return true
		}
	}
	return false
}

// leafName strips provider prefixes such as "[Gmail]/" or "INBOX.".
func leafName(path string) string {
	for _, sep := range []string{"/", "."} {
		if i := strings.LastIndex(path, sep); i >= 0 && i < len(path)-1 {
			path = path[i+1:]
		}
	}
	return path
}
