package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/pion/webrtc/v4"

	"github.com/TakTek-App/TakTek-App/internal/directory"
)

// Inbound events.
const (
	EventRegister           = "register"
	EventOffer              = "offer"
	EventAnswer             = "answer"
	EventICECandidate       = "ice-candidate"
	EventCallRejected       = "call-rejected"
	EventCallEnded          = "call-ended"
	EventCallCancelled      = "call-cancelled"
	EventSendLocation       = "send-location"
	EventHire               = "hire"
	EventHireResponse       = "hire-response"
	EventToggleAvailability = "toggle-availability"
	EventCancelService      = "cancel-service"
	EventEndService         = "end-service"
)

// Outbound events. offer, answer, ice-candidate and the call-* events reuse
// their inbound names.
const (
	EventPeerList         = "peer-list"
	EventHireRequest      = "hire-request"
	EventHireAccepted     = "hire-accepted"
	EventHireRejected     = "hire-rejected"
	EventServiceCancelled = "service-cancelled"
	EventServiceEnded     = "service-ended"
	EventRegistered       = "registered"
	EventError            = "error"
)

const (
	HireAccept = "accept"
	HireReject = "reject"
)

const (
	msgServiceEndedClient     = "The job has been completed!"
	msgServiceEndedTechnician = "Job completed!"
)

// Envelope is the frame format in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// protocolError is reported to the client as an error event.
type protocolError struct {
	Code    string
	Message string
}

func (e *protocolError) Error() string {
	return e.Code + ": " + e.Message
}

func badMessage(format string, args ...any) *protocolError {
	return &protocolError{Code: "bad_message", Message: fmt.Sprintf(format, args...)}
}

func asProtocolError(err error) *protocolError {
	var perr *protocolError
	if errors.As(err, &perr) {
		return perr
	}
	return badMessage("%v", err)
}

type errorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type registeredEvent struct {
	ConnectionID string `json:"connectionId"`
}

type registerRequest struct {
	ID          directory.ID        `json:"id"`
	Role        string              `json:"role"`
	SocketID    string              `json:"socketId"`
	FirstName   string              `json:"firstName"`
	LastName    string              `json:"lastName"`
	Photo       string              `json:"photo"`
	Location    *directory.Location `json:"location"`
	Address     string              `json:"address"`
	ServiceID   directory.ID        `json:"serviceId"`
	ServiceName string              `json:"serviceName"`
	JobID       directory.ID        `json:"jobId"`
	CompanyID   directory.ID        `json:"companyId"`
	Company     string              `json:"company"`
	Rating      *float64            `json:"rating"`
	Reviews     *int                `json:"reviews"`
	Services    []directory.ID      `json:"services"`
}

func (r registerRequest) Peer() directory.Peer {
	return directory.Peer{
		ID:          r.ID,
		Role:        directory.Role(r.Role),
		IdentityKey: r.SocketID,
		FirstName:   r.FirstName,
		LastName:    r.LastName,
		Photo:       r.Photo,
		Location:    r.Location,
		Address:     r.Address,
		ServiceID:   r.ServiceID,
		ServiceName: r.ServiceName,
		JobID:       r.JobID,
		CompanyID:   r.CompanyID,
		Company:     r.Company,
		Rating:      r.Rating,
		Reviews:     r.Reviews,
		Services:    r.Services,
	}
}

// SDP mirrors RTCSessionDescriptionInit.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	typ := webrtc.NewSDPType(s.Type)
	if typ == webrtc.SDPTypeUnknown {
		return webrtc.SessionDescription{}, fmt.Errorf("unknown sdp type %q", s.Type)
	}
	if s.SDP == "" {
		return webrtc.SessionDescription{}, errors.New("missing sdp")
	}
	return webrtc.SessionDescription{Type: typ, SDP: s.SDP}, nil
}

// descriptionRequest carries an offer or an answer. Raw keeps the client's
// object so it is forwarded exactly as sent.
type descriptionRequest struct {
	Target string
	Raw    json.RawMessage
	SDP    SDP
}

func parseDescription(data json.RawMessage, field string, want webrtc.SDPType) (descriptionRequest, error) {
	var req struct {
		Target string          `json:"target"`
		Offer  json.RawMessage `json:"offer"`
		Answer json.RawMessage `json:"answer"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return descriptionRequest{}, badMessage("invalid %s: %v", field, err)
	}
	raw := req.Offer
	if want == webrtc.SDPTypeAnswer {
		raw = req.Answer
	}

	var sdp SDP
	if err := json.Unmarshal(raw, &sdp); err != nil {
		return descriptionRequest{}, badMessage("invalid %s: %v", field, err)
	}
	desc, err := sdp.ToPion()
	if err != nil {
		return descriptionRequest{}, badMessage("invalid %s: %v", field, err)
	}
	if desc.Type != want {
		return descriptionRequest{}, badMessage("invalid %s: type %q", field, sdp.Type)
	}
	return descriptionRequest{Target: req.Target, Raw: raw, SDP: sdp}, nil
}

// candidateRequest carries a trickled candidate. Raw is forwarded as sent;
// an empty candidate string is the end-of-candidates marker.
type candidateRequest struct {
	Target string
	Raw    json.RawMessage
	Init   webrtc.ICECandidateInit
}

func parseCandidate(data json.RawMessage) (candidateRequest, error) {
	var req struct {
		Target    string          `json:"target"`
		Candidate json.RawMessage `json:"candidate"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return candidateRequest{}, badMessage("invalid %s: %v", EventICECandidate, err)
	}
	raw := bytes.TrimSpace(req.Candidate)
	if len(raw) == 0 || raw[0] != '{' {
		return candidateRequest{}, badMessage("invalid %s: candidate must be an object", EventICECandidate)
	}
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &cand); err != nil {
		return candidateRequest{}, badMessage("invalid %s: %v", EventICECandidate, err)
	}
	return candidateRequest{Target: req.Target, Raw: req.Candidate, Init: cand}, nil
}

type targetRequest struct {
	Target string `json:"target"`
}

type hireRequest struct {
	TechnicianID string `json:"technicianId"`
	ClientID     string `json:"clientId"`
}

type hireResponse struct {
	Response     string `json:"response"`
	ClientID     string `json:"clientId"`
	TechnicianID string `json:"technicianId"`
}

type serviceRequest struct {
	ClientID     string `json:"clientId"`
	TechnicianID string `json:"technicianId"`
}

// parseAvailability accepts a bare boolean or {"available": bool}.
func parseAvailability(data json.RawMessage) (bool, error) {
	var v bool
	if err := json.Unmarshal(data, &v); err == nil {
		return v, nil
	}
	var obj struct {
		Available *bool `json:"available"`
	}
	if err := json.Unmarshal(data, &obj); err != nil || obj.Available == nil {
		return false, badMessage("toggle-availability expects a boolean")
	}
	return *obj.Available, nil
}

// parseLocation validates coordinates; clients have sent strings and nulls.
func parseLocation(data json.RawMessage) (directory.Location, error) {
	var raw struct {
		Latitude  *json.Number `json:"latitude"`
		Longitude *json.Number `json:"longitude"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return directory.Location{}, badMessage("invalid location: %v", err)
	}
	if raw.Latitude == nil || raw.Longitude == nil {
		return directory.Location{}, badMessage("location requires latitude and longitude")
	}
	lat, err := strconv.ParseFloat(raw.Latitude.String(), 64)
	if err != nil || lat < -90 || lat > 90 {
		return directory.Location{}, badMessage("invalid latitude %q", raw.Latitude.String())
	}
	lng, err := strconv.ParseFloat(raw.Longitude.String(), 64)
	if err != nil || lng < -180 || lng > 180 {
		return directory.Location{}, badMessage("invalid longitude %q", raw.Longitude.String())
	}
	return directory.Location{Latitude: lat, Longitude: lng}, nil
}

type offerEvent struct {
	Offer      json.RawMessage `json:"offer"`
	Sender     string          `json:"sender"`
	SenderData directory.Peer  `json:"senderData"`
}

type answerEvent struct {
	Answer        json.RawMessage `json:"answer"`
	ResponderData directory.Peer  `json:"responderData"`
}

type candidateEvent struct {
	Candidate json.RawMessage `json:"candidate"`
}

type callEvent struct {
	SenderData directory.Peer `json:"senderData"`
}

type serviceEndedEvent struct {
	Message string `json:"message"`
}
