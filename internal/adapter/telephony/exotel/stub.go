package exotel

import (
	"context"
	"log/slog"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/campaign-dialer/internal/domain"
)

// Stub is a loopback telephony client for development and tests. Calls get
// a synthetic sid and no webhooks; lease TTLs and the stuck-call monitor
// handle their lifecycle.
type Stub struct{}

// NewStub constructs a Stub.
func NewStub() *Stub { return &Stub{} }

// Initiate returns a synthetic vendor sid.
func (s *Stub) Initiate(_ context.Context, req domain.InitiateRequest) (string, error) {
	sid := "stub-" + ulid.Make().String()
	slog.Info("stub telephony: initiate",
		slog.String("call_log_id", req.CallLogID),
		slog.String("to", req.ToPhone),
		slog.String("sid", sid))
	return sid, nil
}

// Cancel is a no-op.
func (s *Stub) Cancel(_ context.Context, _ string) error { return nil }

// FetchStatus reports every stub call as completed.
func (s *Stub) FetchStatus(_ context.Context, _ string) (domain.VendorStatus, error) {
	return domain.VendorStatus{Status: domain.CallCompleted}, nil
}
