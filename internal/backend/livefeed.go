package backend

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"procodus.dev/smartmeter/internal/meter"
	"procodus.dev/smartmeter/pkg/livefeed"
	"procodus.dev/smartmeter/pkg/logger"
	"procodus.dev/smartmeter/pkg/metrics"
)

// LiveFeedService serves the live group feed over gRPC.
type LiveFeedService struct {
	logger  *slog.Logger
	store   *meter.Store
	metrics *metrics.BackendMetrics // Optional metrics
	token   string
}

// NewLiveFeedService creates a new LiveFeedService. Calls must carry token
// in their metadata.
func NewLiveFeedService(log *slog.Logger, store *meter.Store, token string, m *metrics.BackendMetrics) (*LiveFeedService, error) {
	if log == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if store == nil {
		return nil, errors.New("store cannot be nil")
	}

	if token == "" {
		return nil, errors.New("live token cannot be empty")
	}

	return &LiveFeedService{
		logger:  logger.Component(log, "livefeed"),
		store:   store,
		metrics: m,
		token:   token,
	}, nil
}

var _ livefeed.Server = (*LiveFeedService)(nil)

// LiveData returns the live state of the requested groups.
func (s *LiveFeedService) LiveData(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.metrics == nil {
		return s.liveData(ctx, req)
	}

	s.metrics.LiveFeedInFlight.Inc()
	defer s.metrics.LiveFeedInFlight.Dec()
	timer := prometheus.NewTimer(s.metrics.LiveFeedDuration)
	defer timer.ObserveDuration()

	resp, err := s.liveData(ctx, req)
	s.metrics.LiveFeedRequests.WithLabelValues(status.Code(err).String()).Inc()
	return resp, err
}

func (s *LiveFeedService) liveData(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.authorize(ctx); err != nil {
		return nil, err
	}

	ids, err := livefeed.ParseRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	groups, err := s.store.LiveData(ctx, ids)
	if err != nil {
		s.logger.Error("failed to fetch live data", "error", err)
		return nil, status.Errorf(codes.Internal, "failed to fetch live data: %v", err)
	}

	out := make([]livefeed.Group, 0, len(groups))
	for _, g := range groups {
		lg := livefeed.Group{
			Participant: liveParticipant(g.ID, g.TotalImport, g.TotalExport, g.TotalGas, g.ActualPower, g.ActualGas, g.ActualSolar),
		}
		for _, p := range g.Recent {
			lg.Recent = append(lg.Recent,
				liveParticipant(p.ID, p.TotalImport, p.TotalExport, p.TotalGas, p.ActualPower, p.ActualGas, p.ActualSolar))
		}
		out = append(out, lg)
	}

	s.logger.Debug("served live data", "requested", len(ids), "live", len(out))
	if s.metrics != nil {
		s.metrics.LiveFeedGroups.Observe(float64(len(out)))
	}

	resp, err := livefeed.EncodeGroups(out)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode live data: %v", err)
	}
	return resp, nil
}

func (s *LiveFeedService) authorize(ctx context.Context) error {
	md, _ := metadata.FromIncomingContext(ctx)
	tokens := md.Get(livefeed.TokenKey)
	if len(tokens) == 0 || tokens[0] == "" {
		return status.Error(codes.Unauthenticated, "live token required")
	}
	if subtle.ConstantTimeCompare([]byte(tokens[0]), []byte(s.token)) != 1 {
		return status.Error(codes.PermissionDenied, "invalid live token")
	}
	return nil
}

func liveParticipant(id uint, ti, te, tg, p, g, sol decimal.Decimal) livefeed.Participant {
	return livefeed.Participant{
		ID:          id,
		TotalImport: ti.StringFixed(3),
		TotalExport: te.StringFixed(3),
		TotalGas:    tg.StringFixed(3),
		ActualPower: p.StringFixed(3),
		ActualGas:   g.StringFixed(3),
		ActualSolar: sol.StringFixed(3),
	}
}
