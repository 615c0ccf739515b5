package contest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"github.com/mcdev12/arena/go/internal/contest/leaderboard"
	"github.com/mcdev12/arena/go/internal/contest/scoring"
	"github.com/mcdev12/arena/go/internal/models"
)

const (
	// ContestAdminServiceName is the fully-qualified name of the admin service.
	ContestAdminServiceName = "arena.contest.v1.ContestAdminService"

	CreateContestProcedure   = "/" + ContestAdminServiceName + "/CreateContest"
	UpdateContestProcedure   = "/" + ContestAdminServiceName + "/UpdateContest"
	GetContestProcedure      = "/" + ContestAdminServiceName + "/GetContest"
	PublishContestProcedure  = "/" + ContestAdminServiceName + "/PublishContest"
	CancelContestProcedure   = "/" + ContestAdminServiceName + "/CancelContest"
	ForceEndContestProcedure = "/" + ContestAdminServiceName + "/ForceEndContest"
	ExtendContestProcedure   = "/" + ContestAdminServiceName + "/ExtendContest"
	AnnounceProcedure        = "/" + ContestAdminServiceName + "/Announce"
	AdjustScoreProcedure     = "/" + ContestAdminServiceName + "/AdjustScore"
	HideParticipantProcedure = "/" + ContestAdminServiceName + "/HideParticipant"
	GetLeaderboardProcedure  = "/" + ContestAdminServiceName + "/GetLeaderboard"
)

// AdminCommands defines what the service layer needs to execute admin
// commands, including their side effects on sessions and the outbox.
type AdminCommands interface {
	CreateContest(ctx context.Context, req CreateContestRequest) (*models.Contest, error)
	UpdateContest(ctx context.Context, req UpdateContestRequest) (*models.Contest, error)
	GetContest(ctx context.Context, id uuid.UUID) (*models.Contest, error)
	PublishContest(ctx context.Context, id uuid.UUID) (*models.Contest, error)
	CancelContest(ctx context.Context, id uuid.UUID) (*models.Contest, error)
	ForceEndContest(ctx context.Context, id uuid.UUID) (*models.Contest, error)
	ExtendContest(ctx context.Context, id uuid.UUID, minutes int) (*models.Contest, error)
	Announce(ctx context.Context, id uuid.UUID, message string) (time.Time, error)
	AdjustScore(ctx context.Context, id uuid.UUID, userID string, delta float64, reason string) error
	HideParticipant(ctx context.Context, id uuid.UUID, userID string, hidden bool) error
	Leaderboard(ctx context.Context, id uuid.UUID, privileged bool) ([]models.LeaderboardEntry, bool, error)
}

// jsonCodec lets connect carry plain Go structs as JSON.
type jsonCodec struct{}

func (jsonCodec) Name() string {
	return "json"
}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// Service implements the ContestAdminService connect handlers
type Service struct {
	cmds AdminCommands
}

// NewService creates a new contest admin service
func NewService(cmds AdminCommands) *Service {
	return &Service{cmds: cmds}
}

// Handler returns the mount path and handler for the admin service.
func (s *Service) Handler(opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(jsonCodec{})}, opts...)

	mux := http.NewServeMux()
	mux.Handle(CreateContestProcedure, connect.NewUnaryHandler(CreateContestProcedure, s.CreateContest, opts...))
	mux.Handle(UpdateContestProcedure, connect.NewUnaryHandler(UpdateContestProcedure, s.UpdateContest, opts...))
	mux.Handle(GetContestProcedure, connect.NewUnaryHandler(GetContestProcedure, s.GetContest, opts...))
	mux.Handle(PublishContestProcedure, connect.NewUnaryHandler(PublishContestProcedure, s.PublishContest, opts...))
	mux.Handle(CancelContestProcedure, connect.NewUnaryHandler(CancelContestProcedure, s.CancelContest, opts...))
	mux.Handle(ForceEndContestProcedure, connect.NewUnaryHandler(ForceEndContestProcedure, s.ForceEndContest, opts...))
	mux.Handle(ExtendContestProcedure, connect.NewUnaryHandler(ExtendContestProcedure, s.ExtendContest, opts...))
	mux.Handle(AnnounceProcedure, connect.NewUnaryHandler(AnnounceProcedure, s.Announce, opts...))
	mux.Handle(AdjustScoreProcedure, connect.NewUnaryHandler(AdjustScoreProcedure, s.AdjustScore, opts...))
	mux.Handle(HideParticipantProcedure, connect.NewUnaryHandler(HideParticipantProcedure, s.HideParticipant, opts...))
	mux.Handle(GetLeaderboardProcedure, connect.NewUnaryHandler(GetLeaderboardProcedure, s.GetLeaderboard, opts...))
	return "/" + ContestAdminServiceName + "/", mux
}

// CreateContest creates a new draft contest
func (s *Service) CreateContest(ctx context.Context, req *connect.Request[CreateContestRequest]) (*connect.Response[ContestResponse], error) {
	c, err := s.cmds.CreateContest(ctx, *req.Msg)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(newContestResponse(c)), nil
}

// UpdateContest edits a draft or scheduled contest
func (s *Service) UpdateContest(ctx context.Context, req *connect.Request[UpdateContestRequest]) (*connect.Response[ContestResponse], error) {
	c, err := s.cmds.UpdateContest(ctx, *req.Msg)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(newContestResponse(c)), nil
}

// GetContest retrieves a contest by ID
func (s *Service) GetContest(ctx context.Context, req *connect.Request[ContestIDRequest]) (*connect.Response[ContestResponse], error) {
	c, err := s.cmds.GetContest(ctx, req.Msg.ContestID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(newContestResponse(c)), nil
}

// PublishContest moves a draft to scheduled
func (s *Service) PublishContest(ctx context.Context, req *connect.Request[ContestIDRequest]) (*connect.Response[ContestResponse], error) {
	c, err := s.cmds.PublishContest(ctx, req.Msg.ContestID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(newContestResponse(c)), nil
}

// CancelContest cancels a draft or scheduled contest
func (s *Service) CancelContest(ctx context.Context, req *connect.Request[ContestIDRequest]) (*connect.Response[ContestResponse], error) {
	c, err := s.cmds.CancelContest(ctx, req.Msg.ContestID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(newContestResponse(c)), nil
}

// ForceEndContest ends a live contest now
func (s *Service) ForceEndContest(ctx context.Context, req *connect.Request[ContestIDRequest]) (*connect.Response[ContestResponse], error) {
	c, err := s.cmds.ForceEndContest(ctx, req.Msg.ContestID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(newContestResponse(c)), nil
}

// ExtendContest adds minutes to a live contest
func (s *Service) ExtendContest(ctx context.Context, req *connect.Request[ExtendContestRequest]) (*connect.Response[ContestResponse], error) {
	c, err := s.cmds.ExtendContest(ctx, req.Msg.ContestID, req.Msg.Minutes)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(newContestResponse(c)), nil
}

// Announce broadcasts a message to a contest
func (s *Service) Announce(ctx context.Context, req *connect.Request[AnnounceRequest]) (*connect.Response[AnnounceResponse], error) {
	ts, err := s.cmds.Announce(ctx, req.Msg.ContestID, req.Msg.Message)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&AnnounceResponse{Timestamp: ts}), nil
}

// AdjustScore applies an administrative score delta
func (s *Service) AdjustScore(ctx context.Context, req *connect.Request[AdjustScoreRequest]) (*connect.Response[Empty], error) {
	if err := s.cmds.AdjustScore(ctx, req.Msg.ContestID, req.Msg.UserID, req.Msg.Delta, req.Msg.Reason); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&Empty{}), nil
}

// HideParticipant toggles public visibility of a participant
func (s *Service) HideParticipant(ctx context.Context, req *connect.Request[HideParticipantRequest]) (*connect.Response[Empty], error) {
	if err := s.cmds.HideParticipant(ctx, req.Msg.ContestID, req.Msg.UserID, req.Msg.Hidden); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&Empty{}), nil
}

// GetLeaderboard returns the true leaderboard of a contest
func (s *Service) GetLeaderboard(ctx context.Context, req *connect.Request[ContestIDRequest]) (*connect.Response[LeaderboardResponse], error) {
	entries, frozen, err := s.cmds.Leaderboard(ctx, req.Msg.ContestID, true)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&LeaderboardResponse{Entries: entries, Frozen: frozen}), nil
}

// toConnectError maps the error taxonomy onto connect codes.
func toConnectError(err error) error {
	switch {
	case IsValidation(err):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case IsStateConflict(err), errors.Is(err, leaderboard.ErrBoardClosed):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case errors.Is(err, ErrContestNotFound),
		errors.Is(err, leaderboard.ErrParticipantNotFound),
		errors.Is(err, scoring.ErrUnknownReference):
		return connect.NewError(connect.CodeNotFound, err)
	}
	return connect.NewError(connect.CodeInternal, err)
}
