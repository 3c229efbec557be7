package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourorg/condominio/internal/domain"
	"github.com/yourorg/condominio/internal/observability/metrics"
	"github.com/yourorg/condominio/internal/saga"
)

// WorkerPublisher is the outbound leg of the saga. Implementations must
// guarantee the message is durable before returning nil.
type WorkerPublisher interface {
	PublishWorkerCreation(ctx context.Context, msg domain.WorkerCreationMessage) error
}

// ProvisioningOptions tunes the saga's time bounds
type ProvisioningOptions struct {
	WorkerTimeout  time.Duration // window before a request counts as stuck
	PublishTimeout time.Duration // client-side bound on one publish call
}

// ProvisionResult is returned on a successful local commit. TrackingID
// identifies the provisioning request; the worker itself is created
// asynchronously and User.WorkerState reports where that stands.
type ProvisionResult struct {
	User       *domain.User
	TrackingID string
}

// ProvisioningService implements the user-plus-worker creation saga: one
// local transaction covering identity document resolution, uniqueness
// guards, the user row and the durable provisioning request, followed by a
// post-commit publish with a compensating write on failure.
type ProvisioningService struct {
	store     domain.ProvisioningStore
	publisher WorkerPublisher
	logger    *slog.Logger
	opts      ProvisioningOptions
}

// NewProvisioningService creates a new provisioning service
func NewProvisioningService(
	store domain.ProvisioningStore,
	publisher WorkerPublisher,
	logger *slog.Logger,
	opts ProvisioningOptions,
) *ProvisioningService {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.WorkerTimeout <= 0 {
		opts.WorkerTimeout = 30 * time.Minute
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}

	return &ProvisioningService{
		store:     store,
		publisher: publisher,
		logger:    logger,
		opts:      opts,
	}
}

// ProvisionUserWithWorker atomically creates the user, its identity
// document and the provisioning request, then asks the remote service for
// the dependent worker. A publish failure after commit is compensated, not
// rolled back: the user stays, marked worker_state=failed.
func (s *ProvisioningService) ProvisionUserWithWorker(ctx context.Context, spec domain.UserSpec, worker domain.WorkerSpec) (*ProvisionResult, error) {
	ctx, span := otel.Tracer("provisioning").Start(ctx, "ProvisionUserWithWorker")
	defer span.End()

	if err := validateUserSpec(spec); err != nil {
		return nil, err
	}
	if worker.Position == "" || worker.Department == "" {
		return nil, fmt.Errorf("worker position and department are required: %w", domain.ErrValidation)
	}

	start := time.Now()
	payload, err := json.Marshal(worker)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize worker spec: %w", err)
	}

	user, request, err := s.createLocal(ctx, spec, payload, domain.WorkerStatePending, true)
	if err != nil {
		metrics.ObserveProvision("rejected", time.Since(start))
		return nil, err
	}
	span.SetAttributes(attribute.String("tracking_id", request.ID))
	metrics.IncrementPending()

	// Post-commit async leg. Durability and retries of the remote call are
	// not under this process's control, so a failed publish is not retried
	// here; the request is marked failed in a new transaction instead.
	issuedAt := time.Now()
	step := saga.AsyncStep{
		Name: "publish-worker-creation",
		Do: func(ctx context.Context) error {
			pubCtx, cancel := context.WithTimeout(ctx, s.opts.PublishTimeout)
			defer cancel()
			return s.publisher.PublishWorkerCreation(pubCtx, domain.WorkerCreationMessage{
				TrackingID: request.ID,
				UserID:     user.ID,
				Worker:     worker,
				IssuedAt:   issuedAt,
				TimeoutMs:  s.opts.WorkerTimeout.Milliseconds(),
			})
		},
		Compensate: func(ctx context.Context, cause error) error {
			return s.store.CompensatePublishFailure(ctx, request.ID, user.ID, cause.Error())
		},
	}

	if err := step.Execute(ctx, s.logger); err != nil {
		var compErr *saga.CompensationError
		if errors.As(err, &compErr) {
			// Both the publish and the compensating write failed. The
			// committed rows now claim work is in flight that is not;
			// this is the one case needing manual intervention.
			s.logger.Error("publish and compensation both failed, manual intervention required",
				slog.String("tracking_id", request.ID),
				slog.String("user_id", user.ID),
				slog.String("publish_error", compErr.Cause.Error()),
				slog.String("compensation_error", compErr.CompensateErr.Error()),
			)
			metrics.ObserveProvision("compensation_failed", time.Since(start))
			metrics.ObserveCompensation("error")
			return nil, fmt.Errorf("user created but worker provisioning is in an inconsistent state: %w", err)
		}

		// Publish failed but the compensation landed: the caller still
		// gets the committed user, now marked failed.
		metrics.ObserveProvision("publish_failed", time.Since(start))
		metrics.ObserveCompensation("success")
		metrics.DecrementPending()
		user.WorkerState = domain.WorkerStateFailed
		return &ProvisionResult{User: user, TrackingID: request.ID}, nil
	}

	metrics.ObserveProvision("accepted", time.Since(start))
	s.logger.Info("user provisioned, worker creation in progress",
		slog.String("user_id", user.ID),
		slog.String("tracking_id", request.ID),
	)
	return &ProvisionResult{User: user, TrackingID: request.ID}, nil
}

// CreateUser creates a standalone user with no dependent worker. It shares
// the document resolution and uniqueness guards with the saga path but
// persists neither a provisioning request nor publishes anything.
func (s *ProvisioningService) CreateUser(ctx context.Context, spec domain.UserSpec) (*domain.User, error) {
	if err := validateUserSpec(spec); err != nil {
		return nil, err
	}

	user, _, err := s.createLocal(ctx, spec, nil, domain.WorkerStateNone, false)
	if err != nil {
		return nil, err
	}

	s.logger.Info("user created", slog.String("user_id", user.ID))
	return user, nil
}

// GetRequest returns a provisioning request by tracking ID
func (s *ProvisioningService) GetRequest(ctx context.Context, trackingID string) (*domain.ProvisioningRequest, error) {
	return s.store.GetRequest(ctx, trackingID)
}

// ResolveFailedRequest moves a failed request to one of its terminal
// states (compensation_completed or manual_review_required). Operator
// action; any other target is rejected.
func (s *ProvisioningService) ResolveFailedRequest(ctx context.Context, trackingID string, to domain.RequestState) (*domain.ProvisioningRequest, error) {
	if to != domain.RequestStateCompensationDone && to != domain.RequestStateManualReviewRequired {
		return nil, fmt.Errorf("cannot resolve to %s: %w", to, domain.ErrValidation)
	}

	upd := domain.RequestUpdate{}
	if to == domain.RequestStateCompensationDone {
		now := time.Now()
		upd.CompensatedAt = &now
	}

	ok, err := s.store.TransitionRequest(ctx, trackingID, domain.RequestStateFailed, to, upd)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("provisioning request %s is not in failed state: %w", trackingID, domain.ErrInvalidTransition)
	}

	s.logger.Info("provisioning request resolved",
		slog.String("tracking_id", trackingID),
		slog.String("state", string(to)),
	)
	return s.store.GetRequest(ctx, trackingID)
}

// createLocal is the saga's atomic unit: resolve the document, guard
// uniqueness under row locks, insert the user and, when withRequest is
// set, the provisioning request. All of it commits or none of it does.
func (s *ProvisioningService) createLocal(
	ctx context.Context,
	spec domain.UserSpec,
	payload []byte,
	workerState domain.WorkerState,
	withRequest bool,
) (*domain.User, *domain.ProvisioningRequest, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(spec.Password), bcrypt.DefaultCost)
	if err != nil {
		s.logger.Error("failed to hash password", slog.String("error", err.Error()))
		return nil, nil, fmt.Errorf("failed to hash password: %w", err)
	}

	var user *domain.User
	var request *domain.ProvisioningRequest

	err = s.store.RunInTx(ctx, func(tx domain.ProvisioningTx) error {
		documentID, err := s.resolveDocument(ctx, tx, spec.Document)
		if err != nil {
			return err
		}

		// Lock before checking: two concurrent requests with the same
		// email or document would otherwise both pass a bare existence
		// check and both insert. The second blocks here until the first
		// commits, then sees its row.
		if exists, err := tx.LockUserByEmail(ctx, spec.Email); err != nil {
			return err
		} else if exists {
			return fmt.Errorf("user %s: %w", spec.Email, domain.ErrDuplicateEmail)
		}
		if exists, err := tx.LockUserByDocument(ctx, documentID); err != nil {
			return err
		} else if exists {
			return fmt.Errorf("document %s: %w", documentID, domain.ErrDuplicateDocument)
		}

		user = &domain.User{
			ID:                 uuid.NewString(),
			IdentityDocumentID: documentID,
			Email:              spec.Email,
			PasswordHash:       string(hash),
			Name:               spec.Name,
			Surname:            spec.Surname,
			Phone:              spec.Phone,
			RoleID:             spec.RoleID,
			Active:             true,
			MustChangePassword: true,
			WorkerState:        workerState,
		}
		if err := tx.CreateUser(ctx, user); err != nil {
			return err
		}

		if withRequest {
			request = &domain.ProvisioningRequest{
				ID:        uuid.NewString(),
				UserID:    user.ID,
				Payload:   payload,
				State:     domain.RequestStatePending,
				Attempts:  1, // the post-commit publish is attempt one
				TimeoutAt: time.Now().Add(s.opts.WorkerTimeout),
			}
			if err := tx.CreateRequest(ctx, request); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return user, request, nil
}

// resolveDocument finds or creates the identity document inside the
// caller's transaction. A supplied DocumentID is trusted verbatim; the
// caller asserts its existence.
func (s *ProvisioningService) resolveDocument(ctx context.Context, tx domain.ProvisioningTx, spec domain.DocumentSpec) (string, error) {
	if spec.DocumentID != "" {
		return spec.DocumentID, nil
	}

	existing, err := tx.FindDocument(ctx, spec.Type, spec.Number)
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return "", err
	}

	doc := &domain.IdentityDocument{
		ID:             uuid.NewString(),
		Type:           spec.Type,
		Number:         spec.Number,
		IssuingCountry: spec.IssuingCountry,
		IssueDate:      spec.IssueDate,
		ExpiryDate:     spec.ExpiryDate,
	}
	if err := tx.CreateDocument(ctx, doc); err != nil {
		return "", err
	}
	return doc.ID, nil
}

func validateUserSpec(spec domain.UserSpec) error {
	if spec.Email == "" || spec.Password == "" || spec.Name == "" || spec.Surname == "" {
		return fmt.Errorf("email, password, name and surname are required: %w", domain.ErrValidation)
	}
	if len(spec.Password) < 8 {
		return fmt.Errorf("password must be at least 8 characters: %w", domain.ErrValidation)
	}
	if spec.RoleID == "" {
		return fmt.Errorf("role is required: %w", domain.ErrValidation)
	}
	if spec.Document.DocumentID == "" {
		if !spec.Document.Type.Valid() {
			return fmt.Errorf("unknown document type %q: %w", spec.Document.Type, domain.ErrValidation)
		}
		if spec.Document.Number == "" {
			return fmt.Errorf("document number is required: %w", domain.ErrValidation)
		}
	}
	return nil
}
