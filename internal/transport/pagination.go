package transport

import (
	"context"
	"net/url"
	"regexp"
	"strconv"
)

// Strategy advances a paginated REST call to its next Request given the
// Response just received. It returns ok=false once there is no next page.
// Per spec §4.2, a Paginator is lazy, finite, and non-restartable: Next
// performs the actual HTTP call and a Strategy only decides whether (and
// how) to issue another one.
type Strategy interface {
	Next(resp *Response, prev Request) (next Request, ok bool)
}

// Paginator walks a REST endpoint page by page. Create one per pull
// invocation; it is not safe for concurrent use and cannot be rewound.
type Paginator struct {
	t        *Transport
	strategy Strategy
	next     *Request
	done     bool
}

// NewPaginator starts a Paginator at first. strategy decides how
// subsequent pages are requested.
func NewPaginator(t *Transport, first Request, strategy Strategy) *Paginator {
	return &Paginator{t: t, strategy: strategy, next: &first}
}

// Done reports whether the sequence is exhausted after the most recent
// call to Next.
func (p *Paginator) Done() bool { return p.done }

// Pending returns the Request Next will issue on its next call, and
// whether one is still pending. A connector that must persist resume
// state between separate Pull invocations (rather than draining a source
// within a single call) reads Pending after Next and encodes whatever it
// needs from the Request into the cursor it returns to the runtime.
func (p *Paginator) Pending() (Request, bool) {
	if p.next == nil {
		return Request{}, false
	}
	return *p.next, true
}

// Next fetches the next page, or returns ok=false once the sequence is
// exhausted. A non-nil error always comes with ok=false.
func (p *Paginator) Next(ctx context.Context) (resp *Response, ok bool, err error) {
	if p.done || p.next == nil {
		return nil, false, nil
	}

	resp, err = p.t.Do(ctx, *p.next)
	if err != nil {
		p.done = true
		return nil, false, err
	}

	nextReq, more := p.strategy.Next(resp, *p.next)
	if !more {
		p.done = true
		p.next = nil
	} else {
		p.next = &nextReq
	}

	return resp, true, nil
}

// OffsetStrategy implements offset+limit pagination: it advances the
// "offset" query parameter by Limit each call and stops once ItemCount
// reports fewer items than Limit.
type OffsetStrategy struct {
	OffsetParam string // default "offset"
	LimitParam  string // default "limit"
	Limit       int
	// ItemCount reports how many records were in the page just fetched.
	ItemCount func(resp *Response) (int, error)

	offset int
	first  bool
}

func (s *OffsetStrategy) Next(resp *Response, prev Request) (Request, bool) {
	if !s.first {
		s.first = true
		s.offset = s.Limit
	} else {
		s.offset += s.Limit
	}

	count, err := s.ItemCount(resp)
	if err != nil || count < s.Limit {
		return Request{}, false
	}

	offsetParam := s.OffsetParam
	if offsetParam == "" {
		offsetParam = "offset"
	}
	limitParam := s.LimitParam
	if limitParam == "" {
		limitParam = "limit"
	}

	next := prev
	next.URL = setQueryParam(prev.URL, offsetParam, strconv.Itoa(s.offset))
	next.URL = setQueryParam(next.URL, limitParam, strconv.Itoa(s.Limit))

	return next, true
}

// CursorStrategy implements opaque-cursor pagination: ExtractCursor pulls
// the next cursor out of the page body (or "" when there is no next page)
// and it is attached to the next request as CursorParam.
type CursorStrategy struct {
	CursorParam   string // default "cursor"
	ExtractCursor func(resp *Response) (cursor string, hasMore bool, err error)
}

func (s *CursorStrategy) Next(resp *Response, prev Request) (Request, bool) {
	cursor, more, err := s.ExtractCursor(resp)
	if err != nil || !more || cursor == "" {
		return Request{}, false
	}

	param := s.CursorParam
	if param == "" {
		param = "cursor"
	}

	next := prev
	next.URL = setQueryParam(prev.URL, param, cursor)

	return next, true
}

// LinkHeaderStrategy implements RFC 8288 Link-header pagination: it
// follows the URL in a `rel="next"` link until the header no longer
// contains one.
type LinkHeaderStrategy struct{}

var linkNextRe = regexp.MustCompile(`<([^>]+)>\s*;\s*rel="?next"?`)

func (LinkHeaderStrategy) Next(resp *Response, prev Request) (Request, bool) {
	link := resp.Headers.Get("Link")
	if link == "" {
		return Request{}, false
	}

	m := linkNextRe.FindStringSubmatch(link)
	if m == nil {
		return Request{}, false
	}

	next := prev
	next.URL = m[1]

	return next, true
}

func setQueryParam(rawURL, key, value string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}
