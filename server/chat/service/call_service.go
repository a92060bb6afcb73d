package service

import (
	"context"

	"github.com/google/uuid"

	"chat_server/server/chat/domain"
	commonlog "chat_server/server/common/log"
)

type callStore interface {
	CreateCall(ctx context.Context, call domain.Call) (domain.Call, error)
	GetCall(ctx context.Context, callID string) (domain.Call, error)
	TransitionStatus(ctx context.Context, callID string, from []domain.CallStatus, next domain.CallStatus) (domain.Call, error)
	SetOffer(ctx context.Context, callID, payload string) error
	SetAnswer(ctx context.Context, callID, payload string) error
	AppendCandidate(ctx context.Context, callID, candidate string) error
}

type onlineChecker interface {
	IsOnline(userID string) bool
}

// CallService drives the call state machine:
//
//	initiated -> answered | declined | missed | ended
//	answered  -> ended
//
// missed is entered automatically when initiate finds no live presence entry
// for the receiver. declined, missed and ended are terminal.
type CallService struct {
	calls    callStore
	identity identityDirectory
	presence onlineChecker
}

func NewCallService(calls callStore, identity identityDirectory, presence onlineChecker) *CallService {
	return &CallService{calls: calls, identity: identity, presence: presence}
}

// Initiate creates the call with a fresh rendezvous token. The returned
// boolean reports whether the receiver is reachable; when false the call has
// already been transitioned to missed.
func (s *CallService) Initiate(ctx context.Context, callerID, receiverID string, callType domain.CallType) (domain.Call, bool, error) {
	if receiverID == "" {
		return domain.Call{}, false, domain.Validation("receiver_id is required")
	}
	if receiverID == callerID {
		return domain.Call{}, false, domain.Validation("cannot call yourself")
	}
	if callType != domain.CallTypeVoice && callType != domain.CallTypeVideo {
		return domain.Call{}, false, domain.Validation("call type must be voice or video")
	}
	if _, err := s.identity.GetUser(ctx, receiverID); err != nil {
		return domain.Call{}, false, err
	}

	call, err := s.calls.CreateCall(ctx, domain.Call{
		CallerID:   callerID,
		ReceiverID: receiverID,
		Type:       callType,
		Status:     domain.CallInitiated,
		RoomToken:  uuid.NewString(),
	})
	if err != nil {
		return domain.Call{}, false, err
	}

	if !s.presence.IsOnline(receiverID) {
		call, err = s.calls.TransitionStatus(ctx, call.ID, []domain.CallStatus{domain.CallInitiated}, domain.CallMissed)
		if err != nil {
			return domain.Call{}, false, err
		}
		return call, false, nil
	}
	return call, true, nil
}

// Answer is a receiver-only transition from initiated.
func (s *CallService) Answer(ctx context.Context, requesterID, callID string) (domain.Call, error) {
	return s.receiverTransition(ctx, requesterID, callID, domain.CallAnswered)
}

// Decline is a receiver-only transition from initiated.
func (s *CallService) Decline(ctx context.Context, requesterID, callID string) (domain.Call, error) {
	return s.receiverTransition(ctx, requesterID, callID, domain.CallDeclined)
}

func (s *CallService) receiverTransition(ctx context.Context, requesterID, callID string, next domain.CallStatus) (domain.Call, error) {
	call, err := s.calls.GetCall(ctx, callID)
	if err != nil {
		return domain.Call{}, err
	}
	if call.ReceiverID != requesterID {
		return domain.Call{}, domain.Authorization("only the call receiver may do this")
	}
	return s.calls.TransitionStatus(ctx, callID, []domain.CallStatus{domain.CallInitiated}, next)
}

// End may be requested by either party, from initiated or answered. Ending
// an already-terminal call reports the state error rather than
// re-broadcasting.
func (s *CallService) End(ctx context.Context, requesterID, callID string) (domain.Call, error) {
	call, err := s.calls.GetCall(ctx, callID)
	if err != nil {
		return domain.Call{}, err
	}
	if call.CallerID != requesterID && call.ReceiverID != requesterID {
		return domain.Call{}, domain.Authorization("not a participant of this call")
	}
	return s.calls.TransitionStatus(ctx, callID, []domain.CallStatus{domain.CallInitiated, domain.CallAnswered}, domain.CallEnded)
}

// Offer persists the caller's SDP offer and returns the receiver id for
// forwarding. Persistence is best-effort: a storage failure must not block
// the signaling relay.
func (s *CallService) Offer(ctx context.Context, requesterID, callID, payload string) (domain.Call, string, error) {
	call, err := s.calls.GetCall(ctx, callID)
	if err != nil {
		return domain.Call{}, "", err
	}
	if call.CallerID != requesterID {
		return domain.Call{}, "", domain.Authorization("only the caller may send an offer")
	}
	if err := s.calls.SetOffer(ctx, callID, payload); err != nil {
		commonlog.Warnf("event=call action=persist_offer status=failed call_id=%s error=%v", callID, err)
	}
	return call, call.ReceiverID, nil
}

// AnswerSignal persists the receiver's SDP answer, best-effort.
func (s *CallService) AnswerSignal(ctx context.Context, requesterID, callID, payload string) (domain.Call, string, error) {
	call, err := s.calls.GetCall(ctx, callID)
	if err != nil {
		return domain.Call{}, "", err
	}
	if call.ReceiverID != requesterID {
		return domain.Call{}, "", domain.Authorization("only the receiver may send an answer")
	}
	if err := s.calls.SetAnswer(ctx, callID, payload); err != nil {
		commonlog.Warnf("event=call action=persist_answer status=failed call_id=%s error=%v", callID, err)
	}
	return call, call.CallerID, nil
}

// Candidate accumulates an ICE candidate from either party, best-effort.
func (s *CallService) Candidate(ctx context.Context, requesterID, callID, payload string) (domain.Call, string, error) {
	call, err := s.calls.GetCall(ctx, callID)
	if err != nil {
		return domain.Call{}, "", err
	}
	var other string
	switch requesterID {
	case call.CallerID:
		other = call.ReceiverID
	case call.ReceiverID:
		other = call.CallerID
	default:
		return domain.Call{}, "", domain.Authorization("not a participant of this call")
	}
	if err := s.calls.AppendCandidate(ctx, callID, payload); err != nil {
		commonlog.Warnf("event=call action=persist_candidate status=failed call_id=%s error=%v", callID, err)
	}
	return call, other, nil
}

// Other returns the counterpart of requesterID on the call.
func (s *CallService) Other(call domain.Call, requesterID string) string {
	if call.CallerID == requesterID {
		return call.ReceiverID
	}
	return call.CallerID
}
