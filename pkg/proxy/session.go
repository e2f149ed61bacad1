package proxy

import (
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"mercator-hq/conduit/pkg/backend"
	"mercator-hq/conduit/pkg/fdevent"
	"mercator-hq/conduit/pkg/network"
	"mercator-hq/conduit/pkg/protocol"
	"mercator-hq/conduit/pkg/proxy/types"
	"mercator-hq/conduit/pkg/telemetry/tracing"
)

// stateUnset selects the route and address and binds a pooled or new
// connection. Sessions that find no active address or no free slot go to
// the backlog, and so do new sessions while older ones are still waiting.
func (e *Engine) stateUnset(c *Conn) step {
	c.detached = false
	if c.route == nil {
		r, err := e.router.Select(c.Request)
		if err != nil {
			return c.fail(404, err)
		}
		c.route = r
		if c.Request.DocumentRoot == "" {
			c.Request.DocumentRoot = r.DocumentRoot
		}
	}

	b := c.route.Backend
	if !c.backlogged && b.Backlog.Len() > 0 {
		e.enqueue(c)
		if b.Capacity() > 0 {
			b.Backlog.Wake(1)
		}
		return stepSuspend
	}
	addr, err := b.Balance(backend.Key{Path: c.Request.Path(), Authority: c.Request.Host})
	if err != nil {
		return e.enqueue(c)
	}

	bc, err := b.Pool.Get(addr, e.now)
	if errors.Is(err, backend.ErrPoolFull) {
		if victim := b.Pool.IdleVictim(addr); victim != nil {
			e.closeConn(b, victim)
			bc, err = b.Pool.Get(addr, e.now)
		}
	}
	if err != nil {
		return e.enqueue(c)
	}
	c.backend = bc
	bc.Owner = c
	if c.backlogged {
		b.Backlog.Remove(c)
		c.backlogged = false
		if b.Capacity() > 0 {
			b.Backlog.Wake(1)
		}
	}
	tracing.SetBackendAttributes(c.span, c.route.Name, addr.Name)

	if bc.State == backend.ConnConnected {
		// Reused idle connection.
		if err := e.bind(bc.FD, c); err != nil {
			return c.fail(500, err)
		}
		c.state = StateConnected
		return stepContinue
	}

	fd, connected, err := e.opts.Dial(addr.Sockaddr)
	if err != nil {
		return e.connectFailed(c, err)
	}
	bc.FD = fd
	if err := e.mux.Register(fd, e.onEvent, c); err != nil {
		return c.fail(503, err)
	}
	if connected {
		c.state = StateConnected
		return stepContinue
	}

	c.connectStart = e.now
	e.connecting[c] = struct{}{}
	c.state = StateConnecting
	return e.wait(c, fdevent.EventOut)
}

func (e *Engine) stateConnecting(c *Conn) step {
	if e.now.Sub(c.connectStart) >= e.opts.ConnectTimeout {
		delete(e.connecting, c)
		return c.fail(504, ErrConnectTimeout)
	}
	if c.revents == 0 {
		return stepSuspend
	}
	c.revents = 0
	delete(e.connecting, c)

	if err := network.SocketError(c.backend.FD); err != nil {
		return e.connectFailed(c, err)
	}
	c.state = StateConnected
	return stepContinue
}

// stateConnected starts a new attempt: fresh exchange buffers, a copy of
// the request body received so far and the encoded request head.
func (e *Engine) stateConnected(c *Conn) step {
	bc := c.backend
	bc.State = backend.ConnConnected
	bc.Requests++

	proto := c.route.Protocol
	if c.ex == nil {
		c.ex = protocol.NewExchange(c.Request, c.body.Clone(), c.route.Options)
	} else {
		proto.StreamCleanup(c.ex)
		c.ex.Options = c.route.Options
		c.ex.Reset(c.body.Clone())
	}
	proto.StreamInit(c.ex)

	if err := proto.RequestChunk(c.ex); err != nil {
		return c.fail(500, err)
	}
	c.headerLen = c.ex.SendRaw.Length()
	c.state = StateWriteHeader
	return stepContinue
}

func (e *Engine) stateWriteHeader(c *Conn) step {
	ex := c.ex
	st, _, err := network.Write(c.backend.FD, ex.SendRaw, e.opts.WriteBudget)
	switch st {
	case network.ConnectionClose:
		// Typically a kept-alive connection the backend had closed.
		c.restartReason = restartWriteClosed
		return stepRestart
	case network.Error:
		return c.fail(502, err)
	}

	if ex.SendRaw.Written() >= c.headerLen {
		c.state = StateWriteBody
		return stepContinue
	}
	return e.wait(c, fdevent.EventOut)
}

// stateWriteBody encodes and sends the request body. While the front end is
// still receiving it, the session suspends with the backend socket unwatched
// until appendBody hands over more.
func (e *Engine) stateWriteBody(c *Conn) step {
	ex := c.ex
	pending := ex.Body.Length()
	if err := c.route.Protocol.Encode(ex); err != nil {
		return c.fail(500, err)
	}
	if !c.bodySent && ex.Body.Length() < pending {
		// Past this point a failed attempt cannot be replayed.
		c.bodySent = true
		c.body.Reset()
	}

	if !ex.SendRaw.IsEmpty() {
		st, _, err := network.Write(c.backend.FD, ex.SendRaw, e.opts.WriteBudget)
		switch st {
		case network.ConnectionClose:
			return c.fail(502, ErrBackendClosed)
		case network.Error:
			return c.fail(502, err)
		}
	}

	if !ex.SendRaw.Done() {
		if ex.SendRaw.IsEmpty() {
			if err := e.mux.Unwatch(c.backend.FD); err != nil {
				return c.fail(500, err)
			}
			return stepSuspend
		}
		return e.wait(c, fdevent.EventOut)
	}
	c.state = StateReadHeader
	if err := e.mux.Watch(c.backend.FD, fdevent.EventIn); err != nil {
		return c.fail(500, err)
	}
	return stepContinue
}

func (e *Engine) stateReadHeader(c *Conn) step {
	ex := c.ex
	st, _, err := network.Read(c.backend.FD, ex.RecvRaw, e.opts.ReadBudget)
	switch st {
	case network.Error:
		return c.fail(502, err)
	case network.WaitForEvent:
		return stepSuspend
	case network.ConnectionClose:
		if ex.RecvRaw.BytesIn() == 0 {
			c.restartReason = restartReadClosed
			return stepRestart
		}
		ex.EOF = true
		ex.IsClosing = true
	}

	switch c.route.Protocol.ParseResponseHeader(ex) {
	case protocol.ParseError:
		e.metrics.RecordCodecError(c.route.Protocol.Name())
		return c.fail(502, ErrMalformedResponse)
	case protocol.ParseNeedMore:
		if ex.EOF {
			return c.fail(502, ErrBackendClosed)
		}
		return stepContinue
	}
	return e.headerDone(c)
}

// headerDone post-processes a parsed response head. Internal redirects end
// the exchange right away; everything else goes on to the body.
func (e *Engine) headerDone(c *Conn) step {
	ex := c.ex
	resp := ex.Response
	if resp.Status == 0 {
		resp.Status = 200
	}

	if rd := ex.InternalRedirect; rd != nil {
		ex.IsClosing = true
		ex.SendResponseContent = false
		tracing.AddEvent(c.span, "internal_redirect", attribute.String("kind", rd.Kind.String()))
		return stepDone
	}

	if !types.BodyAllowed(c.Request.Method, resp.Status) {
		ex.SendResponseContent = false
		resp.Chunked = false
	}
	c.state = StateReadBody
	return stepOutput
}

func (e *Engine) stateReadBody(c *Conn) step {
	ex := c.ex
	proto := c.route.Protocol
	for {
		ds := proto.Decode(ex)
		if ds == protocol.DecodeError {
			e.metrics.RecordCodecError(proto.Name())
			return c.fail(502, ErrMalformedResponse)
		}
		if !ex.SendResponseContent && !ex.Recv.IsEmpty() {
			ex.Recv.Skip(ex.Recv.Length())
			ex.Recv.RemoveFinished()
		}
		if ds == protocol.DecodeFinished {
			if !ex.RecvRaw.IsEmpty() {
				// Bytes past the response: the connection is out of sync.
				ex.IsClosing = true
			}
			return stepDone
		}
		if !ex.Recv.IsEmpty() {
			return stepOutput
		}
		if ex.EOF {
			return c.fail(502, ErrBackendClosed)
		}

		st, _, err := network.Read(c.backend.FD, ex.RecvRaw, e.opts.ReadBudget)
		switch st {
		case network.Error:
			return c.fail(502, err)
		case network.WaitForEvent:
			return stepSuspend
		case network.ConnectionClose:
			ex.EOF = true
			ex.IsClosing = true
		}
	}
}
