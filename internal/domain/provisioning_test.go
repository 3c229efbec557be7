package domain

import "testing"

func TestRequestStateTransitions(t *testing.T) {
	allowed := []struct{ from, to RequestState }{
		{RequestStatePending, RequestStateProcessing},
		{RequestStatePending, RequestStateFailed},
		{RequestStatePending, RequestStateRetryScheduled},
		{RequestStateProcessing, RequestStateCompleted},
		{RequestStateProcessing, RequestStateFailed},
		{RequestStateProcessing, RequestStateRetryScheduled},
		{RequestStateRetryScheduled, RequestStateProcessing},
		{RequestStateRetryScheduled, RequestStateFailed},
		{RequestStateFailed, RequestStateCompensationDone},
		{RequestStateFailed, RequestStateManualReviewRequired},
	}
	for _, tc := range allowed {
		if !tc.from.CanTransition(tc.to) {
			t.Errorf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to RequestState }{
		{RequestStatePending, RequestStateCompleted},
		{RequestStateCompleted, RequestStateFailed},
		{RequestStateCompleted, RequestStateProcessing},
		{RequestStateFailed, RequestStateProcessing},
		{RequestStateFailed, RequestStatePending},
		{RequestStateCompensationDone, RequestStateFailed},
		{RequestStateManualReviewRequired, RequestStateFailed},
		{RequestStateRetryScheduled, RequestStateCompleted},
	}
	for _, tc := range denied {
		if tc.from.CanTransition(tc.to) {
			t.Errorf("expected %s -> %s to be rejected", tc.from, tc.to)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []RequestState{RequestStateCompleted, RequestStateCompensationDone, RequestStateManualReviewRequired} {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []RequestState{RequestStatePending, RequestStateProcessing, RequestStateRetryScheduled, RequestStateFailed} {
		if s.Terminal() {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}

func TestDocumentTypeValid(t *testing.T) {
	for _, typ := range []DocumentType{DocumentTypeNationalID, DocumentTypePassport, DocumentTypeForeignCard} {
		if !typ.Valid() {
			t.Errorf("expected %s to be valid", typ)
		}
	}
	if DocumentType("drivers-license").Valid() {
		t.Error("expected unknown document type to be invalid")
	}
}
