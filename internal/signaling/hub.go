package signaling

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/TakTek-App/TakTek-App/internal/callstate"
	"github.com/TakTek-App/TakTek-App/internal/directory"
	"github.com/TakTek-App/TakTek-App/internal/hire"
	"github.com/TakTek-App/TakTek-App/internal/jobs"
	"github.com/TakTek-App/TakTek-App/internal/metrics"
	"github.com/TakTek-App/TakTek-App/internal/presence"
)

// JobQueue accepts job-creation requests after a hire is accepted.
type JobQueue interface {
	Enqueue(ctx context.Context, req jobs.Request) error
}

const jobEnqueueTimeout = 2 * time.Second

type hubEventKind uint8

const (
	hubConnect hubEventKind = iota
	hubMessage
	hubDisconnect
)

type hubEvent struct {
	kind hubEventKind
	conn *conn
	env  Envelope
}

// hub owns every piece of per-process signaling state. A single goroutine
// runs each handler to completion, so handlers never race with each other.
type hub struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	dir      *directory.Directory
	presence *presence.Broadcaster
	hires    *hire.Table
	calls    *callstate.Tracker
	jobs     JobQueue

	sweepInterval time.Duration

	// Only touched by the run goroutine.
	conns map[string]*conn

	inbox chan hubEvent
	done  chan struct{}
}

// deliver hands ev to the hub. It reports false once the hub has stopped.
func (h *hub) deliver(ev hubEvent) bool {
	select {
	case h.inbox <- ev:
		return true
	case <-h.done:
		return false
	}
}

func (h *hub) run(ctx context.Context) {
	defer close(h.done)

	var sweep <-chan time.Time
	if h.sweepInterval > 0 {
		t := time.NewTicker(h.sweepInterval)
		defer t.Stop()
		sweep = t.C
	}

	for {
		select {
		case <-ctx.Done():
			for _, c := range h.conns {
				c.closeWith(websocket.CloseGoingAway, "server shutting down")
			}
			return
		case ev := <-h.inbox:
			h.dispatch(ev)
		case <-sweep:
			h.sweep()
		}
	}
}

func (h *hub) dispatch(ev hubEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			h.metrics.Inc(metrics.HandlerPanic)
			h.log.Error("panic in signaling handler", "conn_id", ev.conn.id, "event", ev.env.Event, "recover", rec, "stack", string(debug.Stack()))
		}
	}()

	switch ev.kind {
	case hubConnect:
		h.conns[ev.conn.id] = ev.conn
		h.metrics.Inc(metrics.Connections)
	case hubDisconnect:
		h.handleDisconnect(ev.conn)
	case hubMessage:
		h.handleMessage(ev.conn, ev.env)
	}
}

func (h *hub) handleMessage(c *conn, env Envelope) {
	switch env.Event {
	case EventRegister:
		h.handleRegister(c, env.Data)
	case EventOffer:
		h.handleOffer(c, env.Data)
	case EventAnswer:
		h.handleAnswer(c, env.Data)
	case EventICECandidate:
		h.handleCandidate(c, env.Data)
	case EventCallRejected:
		h.handleCallControl(c, env.Event, callstate.SignalReject, env.Data)
	case EventCallEnded:
		h.handleCallControl(c, env.Event, callstate.SignalEnd, env.Data)
	case EventCallCancelled:
		h.handleCallControl(c, env.Event, callstate.SignalCancel, env.Data)
	case EventSendLocation:
		h.handleLocation(c, env.Data)
	case EventHire:
		h.handleHire(c, env.Data)
	case EventHireResponse:
		h.handleHireResponse(c, env.Data)
	case EventToggleAvailability:
		h.handleToggleAvailability(c, env.Data)
	case EventCancelService:
		h.handleServiceRelease(c, env.Event, env.Data)
	case EventEndService:
		h.handleServiceRelease(c, env.Event, env.Data)
	default:
		h.reject(c, env.Event, badMessage("unknown event %q", env.Event))
	}
}

// Send implements presence.Sender. Unknown connections are ignored.
func (h *hub) Send(connID, event string, payload any) {
	c, ok := h.conns[connID]
	if !ok {
		return
	}
	if !c.sendEvent(event, payload) {
		h.metrics.Inc(metrics.SendQueueFull)
		h.log.Warn("outbound frame dropped", "conn_id", connID, "event", event)
	}
}

func (h *hub) reject(c *conn, event string, err *protocolError) {
	h.metrics.Inc(metrics.BadMessage)
	h.log.Debug("bad message", "conn_id", c.id, "event", event, "err", err.Message)
	h.Send(c.id, EventError, errorEvent{Code: err.Code, Message: err.Message})
}

func (h *hub) decode(c *conn, event string, data json.RawMessage, v any) bool {
	if err := json.Unmarshal(data, v); err != nil {
		h.reject(c, event, badMessage("invalid %s payload: %v", event, err))
		return false
	}
	return true
}

// sender returns the registered peer behind c.
func (h *hub) sender(c *conn, event string) (directory.Peer, bool) {
	p, ok := h.dir.Lookup(c.id)
	if !ok {
		h.metrics.Inc(metrics.MissingRegistration)
		h.log.Warn("event from unregistered connection dropped", "conn_id", c.id, "event", event)
		return directory.Peer{}, false
	}
	return p, true
}

// target resolves an identity key to a live connection.
func (h *hub) target(event, key string) (string, directory.Peer, bool) {
	connID, p, ok := h.dir.LookupByIdentityKey(key)
	if !ok {
		h.metrics.Inc(metrics.TargetNotFound)
		h.log.Info("target not found", "event", event, "target", key)
		return "", directory.Peer{}, false
	}
	return connID, p, true
}

func (h *hub) handleRegister(c *conn, data json.RawMessage) {
	var req registerRequest
	if !h.decode(c, EventRegister, data, &req) {
		return
	}
	p, err := h.dir.Register(c.id, req.Peer())
	if err != nil {
		h.reject(c, EventRegister, badMessage("%v", err))
		return
	}
	h.metrics.Inc(metrics.Registrations)
	h.log.Info("peer registered", "conn_id", c.id, "role", p.Role, "identity", p.IdentityKey)
	h.Send(c.id, EventRegistered, registeredEvent{ConnectionID: c.id})

	switch p.Role {
	case directory.RoleUser:
		h.presence.SendUserView(c.id)
	case directory.RoleCompany:
		h.presence.SendCompanyView(c.id, p.IdentityKey)
	case directory.RoleTechnician:
		h.presence.RefreshCompanies()
	}
}

func (h *hub) observeCall(sig callstate.Signal, event, from, to string) {
	h.metrics.Inc(metrics.SignalRelayed)
	tr := h.calls.Observe(sig, from, to)
	if tr.Unexpected {
		h.metrics.Inc(metrics.CallUnexpected)
		h.log.Debug("unexpected call signal", "event", event, "from", from, "to", to, "state", tr.From.String())
	}
}

func (h *hub) handleOffer(c *conn, data json.RawMessage) {
	req, err := parseDescription(data, EventOffer, webrtc.SDPTypeOffer)
	if err != nil {
		h.reject(c, EventOffer, asProtocolError(err))
		return
	}
	from, ok := h.sender(c, EventOffer)
	if !ok {
		return
	}
	connID, _, ok := h.target(EventOffer, req.Target)
	if !ok {
		return
	}
	h.Send(connID, EventOffer, offerEvent{Offer: req.Raw, Sender: from.IdentityKey, SenderData: from})
	h.observeCall(callstate.SignalOffer, EventOffer, from.IdentityKey, req.Target)
}

func (h *hub) handleAnswer(c *conn, data json.RawMessage) {
	req, err := parseDescription(data, EventAnswer, webrtc.SDPTypeAnswer)
	if err != nil {
		h.reject(c, EventAnswer, asProtocolError(err))
		return
	}
	from, ok := h.sender(c, EventAnswer)
	if !ok {
		return
	}
	connID, _, ok := h.target(EventAnswer, req.Target)
	if !ok {
		return
	}
	h.Send(connID, EventAnswer, answerEvent{Answer: req.Raw, ResponderData: from})
	h.observeCall(callstate.SignalAnswer, EventAnswer, from.IdentityKey, req.Target)
}

func (h *hub) handleCandidate(c *conn, data json.RawMessage) {
	req, err := parseCandidate(data)
	if err != nil {
		h.reject(c, EventICECandidate, asProtocolError(err))
		return
	}
	from, ok := h.sender(c, EventICECandidate)
	if !ok {
		return
	}
	connID, _, ok := h.target(EventICECandidate, req.Target)
	if !ok {
		return
	}
	h.Send(connID, EventICECandidate, candidateEvent{Candidate: req.Raw})
	h.observeCall(callstate.SignalCandidate, EventICECandidate, from.IdentityKey, req.Target)
}

func (h *hub) handleCallControl(c *conn, event string, sig callstate.Signal, data json.RawMessage) {
	var req targetRequest
	if !h.decode(c, event, data, &req) {
		return
	}
	from, ok := h.sender(c, event)
	if !ok {
		return
	}
	connID, _, ok := h.target(event, req.Target)
	if !ok {
		return
	}
	h.Send(connID, event, callEvent{SenderData: from})
	h.observeCall(sig, event, from.IdentityKey, req.Target)
}

func (h *hub) handleLocation(c *conn, data json.RawMessage) {
	loc, err := parseLocation(data)
	if err != nil {
		h.metrics.Inc(metrics.LocationMalformed)
		h.reject(c, EventSendLocation, asProtocolError(err))
		return
	}
	if _, ok := h.sender(c, EventSendLocation); !ok {
		return
	}
	p, ok := h.dir.SetLocation(c.id, loc)
	if !ok {
		return
	}
	h.log.Debug("location updated", "conn_id", c.id, "identity", p.IdentityKey, "role", p.Role)
	if p.Role == directory.RoleTechnician {
		h.presence.RefreshAll()
	}
}

func (h *hub) handleHire(c *conn, data json.RawMessage) {
	var req hireRequest
	if !h.decode(c, EventHire, data, &req) {
		return
	}
	techConn, tech, ok := h.target(EventHire, req.TechnicianID)
	if !ok {
		return
	}
	if tech.Role != directory.RoleTechnician {
		h.metrics.Inc(metrics.TargetNotFound)
		h.log.Info("hire target is not a technician", "target", req.TechnicianID, "role", tech.Role)
		return
	}
	clientConn, client, ok := h.dir.LookupByIdentityKey(req.ClientID)
	if !ok {
		h.metrics.Inc(metrics.MissingRegistration)
		h.log.Info("hire from unknown client dropped", "client", req.ClientID, "technician", req.TechnicianID)
		return
	}

	n, outcome := h.hires.Begin(tech.IdentityKey, client.IdentityKey)
	switch outcome {
	case hire.Started:
		h.metrics.Inc(metrics.HireRequested)
		h.log.Info("hire requested", "client", client.IdentityKey, "technician", tech.IdentityKey)
		h.Send(techConn, EventHireRequest, client)
	case hire.Repeated:
		h.log.Debug("hire repeated", "client", client.IdentityKey, "technician", tech.IdentityKey)
		h.Send(techConn, EventHireRequest, client)
	case hire.Conflict:
		h.metrics.Inc(metrics.HireConflict)
		h.log.Info("hire conflict", "client", client.IdentityKey, "technician", tech.IdentityKey, "holder", n.Requester)
		h.Send(clientConn, EventHireRejected, tech)
	}
}

func (h *hub) handleHireResponse(c *conn, data json.RawMessage) {
	var req hireResponse
	if !h.decode(c, EventHireResponse, data, &req) {
		return
	}
	techConn, tech, ok := h.dir.LookupByIdentityKey(req.TechnicianID)
	if !ok {
		h.metrics.Inc(metrics.MissingRegistration)
		h.log.Info("hire response for unknown technician dropped", "technician", req.TechnicianID, "client", req.ClientID)
		return
	}
	clientConn, client, clientOK := h.dir.LookupByIdentityKey(req.ClientID)

	accepted := req.Response == HireAccept
	if _, pending := h.hires.Resolve(tech.IdentityKey, req.ClientID, accepted); !pending {
		h.log.Debug("hire response without pending request", "technician", tech.IdentityKey, "client", req.ClientID)
	}

	if !accepted {
		h.metrics.Inc(metrics.HireRejected)
		h.log.Info("hire rejected", "technician", tech.IdentityKey, "client", req.ClientID)
		if clientOK {
			h.Send(clientConn, EventHireRejected, tech)
		}
		return
	}

	h.hires.Release(tech.IdentityKey)
	if updated, ok := h.dir.SetAvailability(techConn, false); ok {
		tech = updated
	}
	h.metrics.Inc(metrics.HireAccepted)
	if clientOK && client.HasLocation() {
		h.log.Info("hire accepted", "technician", tech.IdentityKey, "client", req.ClientID,
			"latitude", client.Location.Latitude, "longitude", client.Location.Longitude)
	} else {
		h.log.Info("hire accepted", "technician", tech.IdentityKey, "client", req.ClientID, "location", "unknown")
	}

	peers := []directory.Peer{}
	if clientOK {
		h.Send(clientConn, EventHireAccepted, tech)
		peers = append(peers, client)
	}
	h.Send(techConn, EventPeerList, peers)
	if clientOK {
		h.enqueueJob(tech, client)
	}
	h.presence.RefreshAll()
}

func (h *hub) enqueueJob(tech, client directory.Peer) {
	if h.jobs == nil {
		return
	}
	req := jobs.Request{TechnicianID: tech.ID.String(), UserID: client.ID.String(), ServiceID: client.ServiceID.String()}
	if err := req.Validate(); err != nil {
		h.log.Warn("job not created", "technician", tech.IdentityKey, "client", client.IdentityKey, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), jobEnqueueTimeout)
	defer cancel()
	if err := h.jobs.Enqueue(ctx, req); err != nil {
		h.metrics.Inc(metrics.JobEnqueueErr)
		h.log.Error("enqueue job", "technician", tech.IdentityKey, "client", client.IdentityKey, "err", err)
		return
	}
	h.metrics.Inc(metrics.JobEnqueued)
}

func (h *hub) handleToggleAvailability(c *conn, data json.RawMessage) {
	available, err := parseAvailability(data)
	if err != nil {
		h.reject(c, EventToggleAvailability, asProtocolError(err))
		return
	}
	p, ok := h.sender(c, EventToggleAvailability)
	if !ok {
		return
	}
	if p.Role != directory.RoleTechnician {
		h.log.Debug("availability toggle from non-technician ignored", "conn_id", c.id, "role", p.Role)
		return
	}
	h.dir.SetAvailability(c.id, available)
	h.log.Info("availability changed", "identity", p.IdentityKey, "available", available)
	h.presence.RefreshAll()
}

func (h *hub) handleServiceRelease(c *conn, event string, data json.RawMessage) {
	var req serviceRequest
	if !h.decode(c, event, data, &req) {
		return
	}
	clientConn, _, clientOK := h.dir.LookupByIdentityKey(req.ClientID)
	techConn, tech, techOK := h.dir.LookupByIdentityKey(req.TechnicianID)

	if techOK {
		h.dir.SetAvailability(techConn, true)
		h.hires.Release(tech.IdentityKey)
	}

	switch event {
	case EventCancelService:
		h.metrics.Inc(metrics.ServiceCancelled)
		if clientOK {
			h.Send(clientConn, EventServiceCancelled, nil)
		}
		if techOK {
			h.Send(techConn, EventServiceCancelled, nil)
		}
		h.log.Info("service cancelled", "client", req.ClientID, "technician", req.TechnicianID)
	case EventEndService:
		h.metrics.Inc(metrics.ServiceEnded)
		if clientOK {
			h.Send(clientConn, EventServiceEnded, serviceEndedEvent{Message: msgServiceEndedClient})
		}
		if techOK {
			h.Send(techConn, EventServiceEnded, serviceEndedEvent{Message: msgServiceEndedTechnician})
		}
		h.log.Info("service ended", "client", req.ClientID, "technician", req.TechnicianID)
	}

	if techOK {
		h.presence.RefreshAll()
	}
}

func (h *hub) handleDisconnect(c *conn) {
	delete(h.conns, c.id)
	h.metrics.Inc(metrics.Disconnections)

	p, ok := h.dir.Unregister(c.id)
	if !ok {
		h.log.Debug("connection closed", "conn_id", c.id)
		return
	}
	h.log.Info("peer disconnected", "conn_id", c.id, "role", p.Role, "identity", p.IdentityKey)

	// A newer connection may have taken over the identity.
	if _, live := h.dir.FindByIdentityKey(p.IdentityKey); !live {
		if p.Role == directory.RoleTechnician {
			h.hires.Release(p.IdentityKey)
		}
		for _, n := range h.hires.ReleaseRequester(p.IdentityKey) {
			h.log.Info("hire request dropped: requester left", "technician", n.Technician, "client", n.Requester)
		}
		h.calls.Forget(p.IdentityKey)
	}
	h.presence.RefreshAll()
}

func (h *hub) sweep() {
	for _, n := range h.hires.Expire() {
		h.metrics.Inc(metrics.HireExpired)
		h.log.Info("hire request expired", "technician", n.Technician, "client", n.Requester)
	}
	ringing, idle := h.calls.Expire()
	if ringing > 0 {
		h.metrics.Add(metrics.CallRingExpired, uint64(ringing))
		h.log.Debug("ringing calls expired", "count", ringing)
	}
	if idle > 0 {
		h.metrics.Add(metrics.CallIdleExpired, uint64(idle))
		h.log.Debug("idle calls expired", "count", idle)
	}
}
