package server

import (
	"sync"

	"github.com/google/uuid"

	"github.com/zeusync/docsync/internal/core/channel"
	"github.com/zeusync/docsync/internal/core/channel/frame"
	"github.com/zeusync/docsync/internal/core/observability/log"
)

// peer is one relay client connection. Reads happen in serve; writes are
// queued and drained by writeLoop so a slow client never blocks a broadcast.
type peer struct {
	id        string
	transport string
	conn      channel.FrameConn
	hub       *Hub
	logger    log.Log

	send chan frame.Frame
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	channels map[string]struct{}
}

var _ member = (*peer)(nil)

func newPeer(conn channel.FrameConn, transport string, hub *Hub, queueSize int, logger log.Log) *peer {
	id := uuid.NewString()
	return &peer{
		id:        id,
		transport: transport,
		conn:      conn,
		hub:       hub,
		logger:    logger.With(log.String("peer", id), log.String("transport", transport)),
		send:      make(chan frame.Frame, queueSize),
		done:      make(chan struct{}),
		channels:  make(map[string]struct{}),
	}
}

func (p *peer) ID() string { return p.id }

func (p *peer) enqueue(f frame.Frame) error {
	select {
	case <-p.done:
		return ErrServerClosed
	default:
	}
	select {
	case p.send <- f:
		return nil
	default:
		return ErrPeerQueueFull
	}
}

// serve runs until the connection fails or close is called.
func (p *peer) serve() {
	p.logger.Info("Peer connected")
	go p.writeLoop()
	defer p.close()

	for {
		f, err := p.conn.ReadFrame()
		if err != nil {
			select {
			case <-p.done:
			default:
				p.logger.Debug("Peer read ended", log.Error(err))
			}
			return
		}
		framesTotal.WithLabelValues(p.transport, f.Kind.String()).Inc()
		p.handle(f)
	}
}

func (p *peer) handle(f frame.Frame) {
	switch f.Kind {
	case frame.KindJoin:
		if err := p.join(f.Channel); err != nil {
			p.logger.Warn("Join rejected", log.String("channel", f.Channel), log.Error(err))
			_ = p.enqueue(frame.Frame{Kind: frame.KindError, Channel: f.Channel, Payload: []byte(err.Error())})
			return
		}
		p.logger.Debug("Peer joined", log.String("channel", f.Channel))
		_ = p.enqueue(frame.Frame{Kind: frame.KindAck, Channel: f.Channel})

	case frame.KindBroadcast:
		if !p.hub.joined(f.Channel, p) {
			_ = p.enqueue(frame.Frame{Kind: frame.KindError, Channel: f.Channel, Payload: []byte(ErrNotJoined.Error())})
			return
		}
		_, slow := p.hub.broadcast(p, f)
		for _, m := range slow {
			if sp, ok := m.(*peer); ok {
				p.logger.Warn("Dropping slow peer", log.String("slow_peer", sp.id))
				droppedPeersTotal.Inc()
				sp.close()
			}
		}

	case frame.KindLeave:
		p.hub.leave(f.Channel, p)
		p.mu.Lock()
		delete(p.channels, f.Channel)
		p.mu.Unlock()
		p.logger.Debug("Peer left", log.String("channel", f.Channel))

	default:
		p.logger.Warn("Unexpected frame from peer", log.String("kind", f.Kind.String()))
	}
}

// join adds p to channel unless p is already closed. The check and the
// bookkeeping share p.mu with close, so a closed peer never stays in a room.
func (p *peer) join(channel string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return ErrPeerClosed
	default:
	}
	if err := p.hub.join(channel, p); err != nil {
		return err
	}
	p.channels[channel] = struct{}{}
	return nil
}

func (p *peer) writeLoop() {
	for {
		select {
		case <-p.done:
			return
		case f := <-p.send:
			if err := p.conn.WriteFrame(f); err != nil {
				p.logger.Debug("Peer write failed", log.Error(err))
				p.close()
				return
			}
		}
	}
}

func (p *peer) close() {
	p.once.Do(func() {
		close(p.done)
		_ = p.conn.Close()

		p.mu.Lock()
		channels := p.channels
		p.channels = make(map[string]struct{})
		p.mu.Unlock()
		for ch := range channels {
			p.hub.leave(ch, p)
		}
		p.logger.Info("Peer disconnected")
	})
}
