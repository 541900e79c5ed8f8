package httpserver

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"gitea.jw6.us/james/calsync/internal/calendarview"
	apierrors "gitea.jw6.us/james/calsync/internal/http/errors"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxClientFrame = 1024
)

type streamMessage struct {
	Type  string                 `json:"type"`
	Week  *calendarview.WeekView `json:"week,omitempty"`
	Error string                 `json:"error,omitempty"`
}

// scrollRequest moves the stream to another week.
type scrollRequest struct {
	Offset *int `json:"offset"`
}

func (s *server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.sameOrigin,
	}
}

// sameOrigin admits clients without an Origin header and browsers on the
// configured base URL.
func (s *server) sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	o, err := url.Parse(origin)
	if err != nil {
		return false
	}
	base, err := url.Parse(s.cfg.BaseURL)
	if err != nil {
		return false
	}
	return o.Scheme == base.Scheme && o.Host == base.Host
}

// streamWeeks pushes the laid out week at the client's current offset
// whenever events of the user or the requested members change. Clients
// scroll by sending {"offset": n}.
func (s *server) streamWeeks(w http.ResponseWriter, r *http.Request) {
	p, ok := s.parseViewParams(w, r)
	if !ok {
		return
	}
	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n > calendarview.MaxOffset || n < -calendarview.MaxOffset {
			apierrors.BadRequestError(w, r, err, "offset must be a week number relative to this week")
			return
		}
		offset = n
	}

	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		apierrors.LogError(r, "websocket upgrade", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	st := &weekStream{
		s:      s,
		conn:   conn,
		userID: currentUser(r).ID,
		params: p,
		weeks:  calendarview.NewWeeks(p.loc, p.weekStart, s.now, s.log),
		ctx:    ctx,
		cancel: cancel,
	}
	st.offset.Store(int64(offset))
	st.run()
}

type weekStream struct {
	s      *server
	conn   *websocket.Conn
	userID int64
	params viewParams
	weeks  *calendarview.Weeks
	ctx    context.Context
	cancel context.CancelFunc
	offset atomic.Int64

	writeMu sync.Mutex
}

func (st *weekStream) run() {
	defer st.conn.Close()
	defer st.weeks.Close()
	defer st.cancel()

	unsubscribe := st.s.hub.Subscribe(st.userID, st.params.members, st.push)
	defer unsubscribe()

	go st.pingLoop()
	st.readLoop()
}

func (st *weekStream) push() {
	week, err := st.s.view.Week(st.ctx, st.weeks, int(st.offset.Load()), st.userID, st.params.members, st.params.geom)
	msg := streamMessage{Type: "week", Week: &week}
	if err != nil {
		if st.ctx.Err() != nil {
			return
		}
		st.s.log.WithError(err).WithField("user_id", st.userID).Warn("stream week load failed")
		msg = streamMessage{Type: "error", Error: "could not load events"}
	}
	if err := st.write(msg); err != nil {
		st.cancel()
	}
}

func (st *weekStream) write(v any) error {
	st.writeMu.Lock()
	defer st.writeMu.Unlock()
	_ = st.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return st.conn.WriteJSON(v)
}

func (st *weekStream) readLoop() {
	st.conn.SetReadLimit(maxClientFrame)
	_ = st.conn.SetReadDeadline(time.Now().Add(pongWait))
	st.conn.SetPongHandler(func(string) error {
		return st.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var req scrollRequest
		if err := st.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				st.s.log.WithError(err).Debug("stream closed")
			}
			return
		}
		if st.ctx.Err() != nil {
			return
		}
		if req.Offset == nil || *req.Offset > calendarview.MaxOffset || *req.Offset < -calendarview.MaxOffset {
			if st.write(streamMessage{Type: "error", Error: "offset out of range"}) != nil {
				return
			}
			continue
		}
		st.offset.Store(int64(*req.Offset))
		st.push()
	}
}

func (st *weekStream) pingLoop() {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-st.ctx.Done():
			_ = st.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
			// Unblocks readLoop when the stream ends from the write side.
			_ = st.conn.Close()
			return
		case <-t.C:
			if err := st.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				st.cancel()
				return
			}
		}
	}
}
