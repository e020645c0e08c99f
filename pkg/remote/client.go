package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"lostfound/pkg/models"
	"lostfound/pkg/requestid"
)

const defaultTimeout = 10 * time.Second

// maxDrain bounds how much of an error body is read before the connection is
// handed back for reuse.
const maxDrain = 64 << 10

// Client talks to the comment store over HTTP/JSON.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// commentDTO is the wire form of a comment: server ids are plain integers.
type commentDTO struct {
	ID            int64        `json:"id"`
	ItemID        string       `json:"item_id"`
	ParentID      int64        `json:"parent_id,omitempty"`
	AuthorID      string       `json:"author_id"`
	Body          string       `json:"body"`
	CreatedAt     time.Time    `json:"created_at"`
	ReactionCount int          `json:"reaction_count"`
	Reacted       bool         `json:"reacted"`
	Replies       []commentDTO `json:"replies,omitempty"`
}

func (d commentDTO) model() models.Comment {
	c := models.Comment{
		ID:            models.ServerID(d.ID),
		ItemID:        d.ItemID,
		AuthorID:      d.AuthorID,
		Body:          d.Body,
		CreatedAt:     d.CreatedAt.UTC(),
		ReactionCount: d.ReactionCount,
		Reacted:       d.Reacted,
	}
	if d.ParentID != 0 {
		c.ParentID = models.ServerID(d.ParentID)
	}
	for _, r := range d.Replies {
		c.Replies = append(c.Replies, r.model())
	}

	return c
}

type pageDTO struct {
	Comments   []commentDTO `json:"comments"`
	TotalCount int          `json:"total_count"`
}

type createRequest struct {
	ItemID   string `json:"item_id"`
	UserID   string `json:"user_id"`
	Body     string `json:"body"`
	ParentID int64  `json:"parent_id,omitempty"`
}

type updateRequest struct {
	Body string `json:"body"`
}

type reactionRequest struct {
	UserID string `json:"user_id"`
	Kind   string `json:"kind"`
}

func (c *Client) Comments(ctx context.Context, itemID string, page, pageSize int) (Page, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return Page{}, err
	}
	u = u.JoinPath("items", itemID, "comments")
	values := u.Query()
	values.Set("page", strconv.Itoa(page))
	values.Set("limit", strconv.Itoa(pageSize))
	u.RawQuery = values.Encode()

	var dto pageDTO
	if err := c.do(ctx, http.MethodGet, u.String(), nil, &dto); err != nil {
		return Page{}, err
	}

	p := Page{TotalCount: dto.TotalCount, Comments: make([]models.Comment, 0, len(dto.Comments))}
	for _, d := range dto.Comments {
		p.Comments = append(p.Comments, d.model())
	}

	return p, nil
}

func (c *Client) AddComment(ctx context.Context, itemID, userID, body string, parentID models.ID) (models.Comment, error) {
	if parentID.Pending {
		return models.Comment{}, fmt.Errorf("%w: parent %v is not stored yet", ErrNotFound, parentID)
	}

	req := createRequest{ItemID: itemID, UserID: userID, Body: body, ParentID: parentID.Value}

	var dto commentDTO
	if err := c.do(ctx, http.MethodPost, c.endpoint("comments"), req, &dto); err != nil {
		return models.Comment{}, err
	}
	if dto.ID <= 0 {
		return models.Comment{}, fmt.Errorf("comment store returned invalid id %d", dto.ID)
	}

	return dto.model(), nil
}

func (c *Client) UpdateComment(ctx context.Context, id models.ID, body string) error {
	path, err := c.commentPath(id)
	if err != nil {
		return err
	}

	return c.do(ctx, http.MethodPut, path, updateRequest{Body: body}, nil)
}

func (c *Client) DeleteComment(ctx context.Context, id models.ID) error {
	path, err := c.commentPath(id)
	if err != nil {
		return err
	}

	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) AddCommentReaction(ctx context.Context, id models.ID, userID, kind string) error {
	path, err := c.commentPath(id, "reactions")
	if err != nil {
		return err
	}

	return c.do(ctx, http.MethodPost, path, reactionRequest{UserID: userID, Kind: kind}, nil)
}

func (c *Client) RemoveCommentReaction(ctx context.Context, id models.ID, userID string) error {
	path, err := c.commentPath(id, "reactions")
	if err != nil {
		return err
	}

	u, err := url.Parse(path)
	if err != nil {
		return err
	}
	values := u.Query()
	values.Set("user_id", userID)
	u.RawQuery = values.Encode()

	return c.do(ctx, http.MethodDelete, u.String(), nil, nil)
}

func (c *Client) endpoint(elem ...string) string {
	u, err := url.JoinPath(c.baseURL, elem...)
	if err != nil {
		return c.baseURL
	}
	return u
}

func (c *Client) commentPath(id models.ID, elem ...string) (string, error) {
	if id.IsZero() || id.Pending {
		return "", fmt.Errorf("%w: comment %v is not stored yet", ErrNotFound, id)
	}

	return c.endpoint(append([]string{"comments", id.String()}, elem...)...), nil
}

// do sends one request. A non-nil in is sent as JSON, a non-nil out is decoded
// from a 2xx answer.
func (c *Client) do(ctx context.Context, method, target string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("error creating request to comment store: %w", err)
	}

	reqID := requestid.From(ctx)
	if reqID == "" {
		reqID, err = requestid.New()
		if err != nil {
			return err
		}
	}
	req.Header.Set(requestid.Header, reqID)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("error calling comment store: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))
		log.Debugf("[remote][%s] %s %s returned status %d", requestid.Shorten(reqID), method, req.URL.Path, resp.StatusCode)
		return &StatusError{Method: method, Path: req.URL.Path, Code: resp.StatusCode}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("error decoding response from comment store: %w", err)
	}

	return nil
}
