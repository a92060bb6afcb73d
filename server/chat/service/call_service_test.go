package service

import (
	"context"
	"testing"

	"chat_server/server/chat/domain"
)

func newCallFixture(presence onlineChecker) (*CallService, *fakeCallStore) {
	directory := newFakeDirectory("alice", "bob", "carol")
	calls := newFakeCallStore()
	return NewCallService(calls, directory, presence), calls
}

func TestInitiateCallToOnlineReceiver(t *testing.T) {
	svc, _ := newCallFixture(alwaysOnline{})

	call, reachable, err := svc.Initiate(context.Background(), "alice", "bob", domain.CallTypeVideo)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if !reachable {
		t.Fatalf("online receiver reported unreachable")
	}
	if call.Status != domain.CallInitiated {
		t.Fatalf("status = %s, want initiated", call.Status)
	}
	if call.RoomToken == "" {
		t.Fatalf("room token not assigned")
	}
}

func TestInitiateCallToOfflineReceiverIsMissed(t *testing.T) {
	svc, store := newCallFixture(neverOnline{})

	call, reachable, err := svc.Initiate(context.Background(), "alice", "bob", domain.CallTypeVoice)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if reachable {
		t.Fatalf("offline receiver reported reachable")
	}
	if call.Status != domain.CallMissed {
		t.Fatalf("status = %s, want missed", call.Status)
	}

	stored, _ := store.GetCall(context.Background(), call.ID)
	if !stored.Status.Terminal() {
		t.Fatalf("missed call not terminal")
	}
}

func TestInitiateValidation(t *testing.T) {
	svc, _ := newCallFixture(alwaysOnline{})
	ctx := context.Background()

	if _, _, err := svc.Initiate(ctx, "alice", "alice", domain.CallTypeVoice); !domain.IsKind(err, domain.KindValidation) {
		t.Fatalf("self-call err = %v, want validation", err)
	}
	if _, _, err := svc.Initiate(ctx, "alice", "bob", domain.CallType("screenshare")); !domain.IsKind(err, domain.KindValidation) {
		t.Fatalf("bad type err = %v, want validation", err)
	}
	if _, _, err := svc.Initiate(ctx, "alice", "nobody", domain.CallTypeVoice); !domain.IsKind(err, domain.KindNotFound) {
		t.Fatalf("unknown receiver err = %v, want not_found", err)
	}
}

func TestAnswerIsReceiverOnly(t *testing.T) {
	svc, _ := newCallFixture(alwaysOnline{})
	ctx := context.Background()

	call, _, err := svc.Initiate(ctx, "alice", "bob", domain.CallTypeVoice)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	if _, err := svc.Answer(ctx, "alice", call.ID); !domain.IsKind(err, domain.KindAuthorization) {
		t.Fatalf("caller answer err = %v, want authorization", err)
	}

	answered, err := svc.Answer(ctx, "bob", call.ID)
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if answered.Status != domain.CallAnswered || answered.AnsweredAt == nil {
		t.Fatalf("answered call = %+v", answered)
	}

	// Answering twice finds the call out of the eligible state.
	if _, err := svc.Answer(ctx, "bob", call.ID); !domain.IsKind(err, domain.KindNotFound) {
		t.Fatalf("double answer err = %v, want not_found", err)
	}
}

func TestDeclineIsTerminal(t *testing.T) {
	svc, _ := newCallFixture(alwaysOnline{})
	ctx := context.Background()

	call, _, err := svc.Initiate(ctx, "alice", "bob", domain.CallTypeVoice)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	declined, err := svc.Decline(ctx, "bob", call.ID)
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if declined.Status != domain.CallDeclined {
		t.Fatalf("status = %s, want declined", declined.Status)
	}
	if _, err := svc.End(ctx, "alice", call.ID); !domain.IsKind(err, domain.KindNotFound) {
		t.Fatalf("end after decline err = %v, want not_found", err)
	}
}

func TestEndByEitherPartyFromInitiatedOrAnswered(t *testing.T) {
	svc, _ := newCallFixture(alwaysOnline{})
	ctx := context.Background()

	// Caller hangs up before the answer.
	call, _, err := svc.Initiate(ctx, "alice", "bob", domain.CallTypeVoice)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	ended, err := svc.End(ctx, "alice", call.ID)
	if err != nil {
		t.Fatalf("end from initiated: %v", err)
	}
	if ended.Status != domain.CallEnded {
		t.Fatalf("status = %s, want ended", ended.Status)
	}

	// Receiver hangs up after answering.
	call, _, err = svc.Initiate(ctx, "alice", "bob", domain.CallTypeVoice)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := svc.Answer(ctx, "bob", call.ID); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if _, err := svc.End(ctx, "bob", call.ID); err != nil {
		t.Fatalf("end from answered: %v", err)
	}

	// Outsiders cannot end a call.
	call, _, err = svc.Initiate(ctx, "alice", "bob", domain.CallTypeVoice)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := svc.End(ctx, "carol", call.ID); !domain.IsKind(err, domain.KindAuthorization) {
		t.Fatalf("outsider end err = %v, want authorization", err)
	}
}

func TestSignalingRolesAndPersistence(t *testing.T) {
	svc, store := newCallFixture(alwaysOnline{})
	ctx := context.Background()

	call, _, err := svc.Initiate(ctx, "alice", "bob", domain.CallTypeVideo)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	if _, _, err := svc.Offer(ctx, "bob", call.ID, "sdp-offer"); !domain.IsKind(err, domain.KindAuthorization) {
		t.Fatalf("receiver offer err = %v, want authorization", err)
	}
	_, otherID, err := svc.Offer(ctx, "alice", call.ID, "sdp-offer")
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	if otherID != "bob" {
		t.Fatalf("offer forwarded to %s, want bob", otherID)
	}

	if _, _, err := svc.AnswerSignal(ctx, "alice", call.ID, "sdp-answer"); !domain.IsKind(err, domain.KindAuthorization) {
		t.Fatalf("caller answer-signal err = %v, want authorization", err)
	}
	if _, _, err := svc.AnswerSignal(ctx, "bob", call.ID, "sdp-answer"); err != nil {
		t.Fatalf("answer signal: %v", err)
	}

	if _, _, err := svc.Candidate(ctx, "carol", call.ID, "cand"); !domain.IsKind(err, domain.KindAuthorization) {
		t.Fatalf("outsider candidate err = %v, want authorization", err)
	}
	if _, otherID, err = svc.Candidate(ctx, "bob", call.ID, "cand-1"); err != nil || otherID != "alice" {
		t.Fatalf("candidate forward = %s, %v", otherID, err)
	}
	if _, _, err := svc.Candidate(ctx, "alice", call.ID, "cand-2"); err != nil {
		t.Fatalf("candidate: %v", err)
	}

	stored, _ := store.GetCall(ctx, call.ID)
	if stored.OfferPayload != "sdp-offer" || stored.AnswerPayload != "sdp-answer" {
		t.Fatalf("signaling payloads not persisted: %+v", stored)
	}
	if len(stored.Candidates) != 2 {
		t.Fatalf("candidates = %d, want 2", len(stored.Candidates))
	}
}
