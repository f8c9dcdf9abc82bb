// Package dedup assigns account-scoped stable ids to fetched messages so the
// same logical message maps to one stored email no matter which folder or
// UID it is seen under.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/pkg/types"
)

// Store is the part of the persistence layer the resolver reads.
type Store interface {
	StableIDAt(ctx context.Context, folderID int, uid uint32) (string, bool, error)
	LookupIdentity(ctx context.Context, accountID int, stableID string) (*types.Identity, error)
}

// Message carries the fields identity is derived from.
type Message struct {
	UID         uint32
	MessageID   string
	SenderEmail string
	Subject     string
	Date        time.Time
	// Raw is the full message. When empty, Size stands in for the body.
	Raw  []byte
	Size uint32
}

// Identity is the outcome of resolving one message.
type Identity struct {
	StableID    string
	Fingerprint string
}

// Resolver creates per-batch resolution scopes.
type Resolver struct {
	store  Store
	logger *logrus.Logger
}

// New creates a resolver reading from store.
func New(store Store, logger *logrus.Logger) *Resolver {
	if logger == nil {
		logger = logrus.New()
	}
	return &Resolver{store: store, logger: logger}
}

// Scope resolves the messages of one batch. Ids handed out earlier in the
// same scope count as taken even though they are not stored yet.
type Scope struct {
	r         *Resolver
	accountID int
	folderID  int
	assigned  map[string]uint32
}

// Batch starts a scope for one batch of one folder.
func (r *Resolver) Batch(accountID, folderID int) *Scope {
	return &Scope{
		r:         r,
		accountID: accountID,
		folderID:  folderID,
		assigned:  make(map[string]uint32),
	}
}

// Resolve returns the stable id and fingerprint for m.
func (s *Scope) Resolve(ctx context.Context, m Message) (Identity, error) {
	fp := Fingerprint(m)

	known, ok, err := s.r.store.StableIDAt(ctx, s.folderID, m.UID)
	if err != nil {
		return Identity{}, fmt.Errorf("failed to resolve uid %d: %w", m.UID, err)
	}
	if ok {
		return s.take(known, m.UID, fp), nil
	}

	if mid := email.NormalizeMessageID(m.MessageID); mid != "" {
		primary := hashID("mid", strconv.Itoa(s.accountID), mid)
		usable, err := s.primaryUsable(ctx, primary, m.UID, fp)
		if err != nil {
			return Identity{}, err
		}
		if usable {
			return s.take(primary, m.UID, fp), nil
		}
		s.r.logger.WithFields(logrus.Fields{
			"account_id": s.accountID,
			"folder_id":  s.folderID,
			"uid":        m.UID,
		}).Debug("Message-ID already taken, using content fingerprint")
	}

	fallback := hashID("fp", strconv.Itoa(s.accountID), fp)
	taken, err := s.takenInFolder(ctx, fallback, m.UID)
	if err != nil {
		return Identity{}, err
	}
	if !taken {
		return s.take(fallback, m.UID, fp), nil
	}

	located := hashID("loc", strconv.Itoa(s.accountID), strconv.Itoa(s.folderID),
		strconv.FormatUint(uint64(m.UID), 10), fp)
	return s.take(located, m.UID, fp), nil
}

// primaryUsable reports whether the Message-ID derived id may be used: it is
// free, or it names the same content stored in other folders only.
func (s *Scope) primaryUsable(ctx context.Context, id string, uid uint32, fp string) (bool, error) {
	if _, ok := s.assigned[id]; ok {
		return false, nil
	}
	ident, err := s.r.store.LookupIdentity(ctx, s.accountID, id)
	if err != nil {
		return false, fmt.Errorf("failed to look up message id: %w", err)
	}
	if ident == nil {
		return true, nil
	}
	if ident.Fingerprint != fp {
		return false, nil
	}
	return !s.elsewhereInFolder(ident, uid), nil
}

// takenInFolder reports whether id already occupies another UID of the
// scope's folder.
func (s *Scope) takenInFolder(ctx context.Context, id string, uid uint32) (bool, error) {
	if other, ok := s.assigned[id]; ok && other != uid {
		return true, nil
	}
	ident, err := s.r.store.LookupIdentity(ctx, s.accountID, id)
	if err != nil {
		return false, fmt.Errorf("failed to look up fingerprint: %w", err)
	}
	return ident != nil && s.elsewhereInFolder(ident, uid), nil
}

func (s *Scope) elsewhereInFolder(ident *types.Identity, uid uint32) bool {
	for _, loc := range ident.Locations {
		if loc.FolderID == s.folderID && loc.UID != uid {
			return true
		}
	}
	return false
}

func (s *Scope) take(id string, uid uint32, fp string) Identity {
	s.assigned[id] = uid
	return Identity{StableID: id, Fingerprint: fp}
}

// Fingerprint hashes the content that identifies a message independent of
// its headers' ids.
func Fingerprint(m Message) string {
	var body string
	if len(m.Raw) > 0 {
		sum := sha256.Sum256(m.Raw)
		body = hex.EncodeToString(sum[:])
	} else {
		body = "size:" + strconv.FormatUint(uint64(m.Size), 10)
	}

	var date int64
	if !m.Date.IsZero() {
		date = m.Date.UTC().Unix()
	}
	return hashID(
		strings.ToLower(strings.TrimSpace(m.SenderEmail)),
		normalizeSubject(m.Subject),
		strconv.FormatInt(date, 10),
		body,
	)
}

func normalizeSubject(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func hashID(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
