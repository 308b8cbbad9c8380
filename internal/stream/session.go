package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/danielpatrickdp/formcheck/internal/analyzer"
	"github.com/danielpatrickdp/formcheck/internal/store"
	"github.com/danielpatrickdp/formcheck/internal/validator"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait.
	maxMessageSize = 64 << 10            // A 33-landmark frame is a few KB of JSON.
	sendBuffer     = 16
	minEventBuffer = 64
)

// #region handshake
// handleStream resolves and initializes an analyzer before upgrading, so configuration
// and model errors reach the client as plain HTTP errors.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	exercise := mux.Vars(r)["exercise"]
	cfg, err := s.opts.Resolve(exercise)
	if errors.Is(err, validator.ErrUnknownExercise) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if cfg.Analyzer.EventBuffer < minEventBuffer {
		cfg.Analyzer.EventBuffer = minEventBuffer
	}

	a := analyzer.New(analyzer.Options{Config: cfg, Runtime: s.opts.Runtime, Registry: s.opts.Registry})
	if err := a.Initialize(r.Context()); err != nil {
		a.Destroy()
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[STREAM] upgrade error: %v", err)
		a.Destroy()
		return
	}

	sess := &session{
		conn:  conn,
		a:     a,
		store: s.opts.Store,
		send:  make(chan Outbound, sendBuffer),
		done:  make(chan struct{}),
	}
	if sess.store != nil {
		rec, err := sess.store.CreateSession(a.Config(), "stream")
		if err != nil {
			log.Printf("[STREAM] session not persisted: %v", err)
		} else {
			sess.id = rec.SessionID
		}
	}
	if sess.id == "" {
		sess.id = uuid.New().String()
	}
	log.Printf("[STREAM] session %s: %s from %s", sess.id, exercise, conn.RemoteAddr())

	go sess.writePump(a.Events())
	sess.reply(Outbound{Type: TypeReady, SessionID: sess.id, Exercise: exercise})
	sess.readPump(context.Background())
	sess.finish()
}

// #endregion handshake

// #region session
// session is one websocket connection and the analyzer it owns. Only writePump writes
// to conn.
type session struct {
	id     string
	conn   *websocket.Conn
	a      *analyzer.Analyzer
	store  *store.Store
	send   chan Outbound
	done   chan struct{}
	frames int
	logged bool // feedback store error already reported
}

func (c *session) reply(out Outbound) {
	select {
	case c.send <- out:
	case <-c.done:
	}
}

func (c *session) replyErr(err error) {
	c.reply(Outbound{Type: TypeError, Error: err.Error()})
}

// readPump handles client messages until the connection fails or closes.
func (c *session) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[STREAM] session %s read error: %v", c.id, err)
			}
			return
		}
		var msg Inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.replyErr(fmt.Errorf("decode message: %w", err))
			continue
		}
		c.handle(ctx, msg)
	}
}

func (c *session) handle(ctx context.Context, msg Inbound) {
	switch msg.Type {
	case TypeFrame:
		index := c.frames
		c.frames++
		rec := c.a.AnalyzeFrame(ctx, msg.Landmarks)
		if rec == nil || c.store == nil {
			return
		}
		if err := c.store.LogFeedback(c.id, index, *rec); err != nil && !c.logged {
			log.Printf("[STREAM] session %s feedback not persisted: %v", c.id, err)
			c.logged = true
		}
	case TypeReset:
		c.a.Reset()
		c.reply(Outbound{Type: TypeResetDone})
	case TypeCalibrate:
		th, err := c.a.AutoCalibrate()
		if err != nil {
			c.replyErr(err)
			return
		}
		c.reply(Outbound{Type: TypeCalibrated, Threshold: th})
	case TypeReport:
		r, err := c.a.ExportReport()
		if err != nil {
			c.replyErr(err)
			return
		}
		c.reply(Outbound{Type: TypeReport, Report: &r})
	default:
		c.replyErr(fmt.Errorf("unknown message type %q", msg.Type))
	}
}

// writePump forwards analyzer events and replies to the peer. It exits once the
// analyzer closes its events channel or a write fails.
func (c *session) writePump(events <-chan analyzer.Event) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(c.done)
	}()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				c.drain()
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.write(fromEvent(ev)); err != nil {
				return
			}
		case out := <-c.send:
			if err := c.write(out); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("[STREAM] session %s ping error: %v", c.id, err)
				return
			}
		}
	}
}

func (c *session) drain() {
	for {
		select {
		case out := <-c.send:
			if err := c.write(out); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *session) write(out Outbound) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(out); err != nil {
		log.Printf("[STREAM] session %s write error: %v", c.id, err)
		return err
	}
	return nil
}

// finish persists the report, releases the analyzer and waits for the writer.
func (c *session) finish() {
	if c.store != nil {
		if r, err := c.a.ExportReport(); err != nil {
			log.Printf("[STREAM] session %s: %v", c.id, err)
		} else if err := c.store.SaveReport(c.id, r); err != nil {
			log.Printf("[STREAM] session %s report not persisted: %v", c.id, err)
		}
	}
	c.a.Destroy()
	<-c.done
	c.conn.Close()
	log.Printf("[STREAM] session %s closed after %d frames", c.id, c.frames)
}

// #endregion session
