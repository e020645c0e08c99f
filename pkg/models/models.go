package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// pendingPrefix marks the textual form of client-generated ids.
const pendingPrefix = "p"

var ErrInvalidID = fmt.Errorf("invalid comment id")

// ID identifies a comment. Server ids and pending (client-generated) ids live in
// separate namespaces: ID{Value: 7} and ID{Value: 7, Pending: true} never match.
// The zero ID means "no comment" and is used as the parent of top-level comments.
type ID struct {
	Value   int64
	Pending bool
}

func ServerID(v int64) ID {
	return ID{Value: v}
}

func PendingID(v int64) ID {
	return ID{Value: v, Pending: true}
}

func (id ID) IsZero() bool {
	return id == ID{}
}

func (id ID) String() string {
	if id.IsZero() {
		return ""
	}
	if id.Pending {
		return pendingPrefix + strconv.FormatInt(id.Value, 10)
	}
	return strconv.FormatInt(id.Value, 10)
}

// ParseID parses the textual form produced by ID.String.
// An empty string yields the zero ID.
func ParseID(s string) (ID, error) {
	if s == "" {
		return ID{}, nil
	}

	pending := strings.HasPrefix(s, pendingPrefix)
	v, err := strconv.ParseInt(strings.TrimPrefix(s, pendingPrefix), 10, 64)
	if err != nil || v <= 0 {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}

	return ID{Value: v, Pending: pending}, nil
}

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := ParseID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Comment is a node of a two-level discussion tree: top-level comments carry
// replies, replies never do.
type Comment struct {
	ID            ID        `json:"id"`
	ItemID        string    `json:"item_id"`
	ParentID      ID        `json:"parent_id"`
	AuthorID      string    `json:"author_id"`
	Body          string    `json:"body"`
	CreatedAt     time.Time `json:"created_at"`
	ReactionCount int       `json:"reaction_count"`
	Reacted       bool      `json:"reacted_by_current_user"`
	Pending       bool      `json:"pending"`
	Replies       []Comment `json:"replies,omitempty"`
}

func (c Comment) IsReply() bool {
	return !c.ParentID.IsZero()
}

// IsOwnedBy reports whether the comment was written by userID. Used both for
// edit/delete authorization and for the owner badge.
func (c Comment) IsOwnedBy(userID string) bool {
	return userID != "" && c.AuthorID == userID
}

// Clone returns a deep copy of the comment and its replies.
func (c Comment) Clone() Comment {
	if c.Replies != nil {
		replies := make([]Comment, len(c.Replies))
		copy(replies, c.Replies)
		c.Replies = replies
	}
	return c
}

type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Moderator bool   `json:"moderator"`
}

// DraftKey identifies one composer: the top-level composer of an item
// (zero ParentID) or the reply composer of one comment.
type DraftKey struct {
	ItemID   string `json:"item_id"`
	ParentID ID     `json:"parent_id"`
	UserID   string `json:"user_id"`
}

func (k DraftKey) String() string {
	return k.ItemID + "/" + k.ParentID.String() + "/" + k.UserID
}

// Draft is text a user submitted that could not be stored remotely.
type Draft struct {
	Key   DraftKey  `json:"key"`
	Body  string    `json:"body"`
	Saved time.Time `json:"saved"`
}
