package contest

import (
	"context"
	"strings"

	"connectrpc.com/connect"
)

// AdminClient calls ContestAdminService over connect with the JSON codec.
type AdminClient struct {
	createContest   *connect.Client[CreateContestRequest, ContestResponse]
	updateContest   *connect.Client[UpdateContestRequest, ContestResponse]
	getContest      *connect.Client[ContestIDRequest, ContestResponse]
	publishContest  *connect.Client[ContestIDRequest, ContestResponse]
	cancelContest   *connect.Client[ContestIDRequest, ContestResponse]
	forceEndContest *connect.Client[ContestIDRequest, ContestResponse]
	extendContest   *connect.Client[ExtendContestRequest, ContestResponse]
	announce        *connect.Client[AnnounceRequest, AnnounceResponse]
	adjustScore     *connect.Client[AdjustScoreRequest, Empty]
	hideParticipant *connect.Client[HideParticipantRequest, Empty]
	getLeaderboard  *connect.Client[ContestIDRequest, LeaderboardResponse]
	token           string
}

// NewAdminClient creates a client for baseURL. token is sent as a bearer token.
func NewAdminClient(httpClient connect.HTTPClient, baseURL, token string, opts ...connect.ClientOption) *AdminClient {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{connect.WithCodec(jsonCodec{})}, opts...)
	return &AdminClient{
		createContest:   connect.NewClient[CreateContestRequest, ContestResponse](httpClient, baseURL+CreateContestProcedure, opts...),
		updateContest:   connect.NewClient[UpdateContestRequest, ContestResponse](httpClient, baseURL+UpdateContestProcedure, opts...),
		getContest:      connect.NewClient[ContestIDRequest, ContestResponse](httpClient, baseURL+GetContestProcedure, opts...),
		publishContest:  connect.NewClient[ContestIDRequest, ContestResponse](httpClient, baseURL+PublishContestProcedure, opts...),
		cancelContest:   connect.NewClient[ContestIDRequest, ContestResponse](httpClient, baseURL+CancelContestProcedure, opts...),
		forceEndContest: connect.NewClient[ContestIDRequest, ContestResponse](httpClient, baseURL+ForceEndContestProcedure, opts...),
		extendContest:   connect.NewClient[ExtendContestRequest, ContestResponse](httpClient, baseURL+ExtendContestProcedure, opts...),
		announce:        connect.NewClient[AnnounceRequest, AnnounceResponse](httpClient, baseURL+AnnounceProcedure, opts...),
		adjustScore:     connect.NewClient[AdjustScoreRequest, Empty](httpClient, baseURL+AdjustScoreProcedure, opts...),
		hideParticipant: connect.NewClient[HideParticipantRequest, Empty](httpClient, baseURL+HideParticipantProcedure, opts...),
		getLeaderboard:  connect.NewClient[ContestIDRequest, LeaderboardResponse](httpClient, baseURL+GetLeaderboardProcedure, opts...),
		token:           token,
	}
}

func newRequest[T any](msg *T, token string) *connect.Request[T] {
	req := connect.NewRequest(msg)
	if token != "" {
		req.Header().Set("Authorization", "Bearer "+token)
	}
	return req
}

func unary[Req, Res any](ctx context.Context, c *connect.Client[Req, Res], msg *Req, token string) (*Res, error) {
	resp, err := c.CallUnary(ctx, newRequest(msg, token))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *AdminClient) CreateContest(ctx context.Context, req CreateContestRequest) (*ContestResponse, error) {
	return unary(ctx, c.createContest, &req, c.token)
}

func (c *AdminClient) UpdateContest(ctx context.Context, req UpdateContestRequest) (*ContestResponse, error) {
	return unary(ctx, c.updateContest, &req, c.token)
}

func (c *AdminClient) GetContest(ctx context.Context, req ContestIDRequest) (*ContestResponse, error) {
	return unary(ctx, c.getContest, &req, c.token)
}

func (c *AdminClient) PublishContest(ctx context.Context, req ContestIDRequest) (*ContestResponse, error) {
	return unary(ctx, c.publishContest, &req, c.token)
}

func (c *AdminClient) CancelContest(ctx context.Context, req ContestIDRequest) (*ContestResponse, error) {
	return unary(ctx, c.cancelContest, &req, c.token)
}

func (c *AdminClient) ForceEndContest(ctx context.Context, req ContestIDRequest) (*ContestResponse, error) {
	return unary(ctx, c.forceEndContest, &req, c.token)
}

func (c *AdminClient) ExtendContest(ctx context.Context, req ExtendContestRequest) (*ContestResponse, error) {
	return unary(ctx, c.extendContest, &req, c.token)
}

func (c *AdminClient) Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error) {
	return unary(ctx, c.announce, &req, c.token)
}

func (c *AdminClient) AdjustScore(ctx context.Context, req AdjustScoreRequest) error {
	_, err := unary(ctx, c.adjustScore, &req, c.token)
	return err
}

func (c *AdminClient) HideParticipant(ctx context.Context, req HideParticipantRequest) error {
	_, err := unary(ctx, c.hideParticipant, &req, c.token)
	return err
}

func (c *AdminClient) GetLeaderboard(ctx context.Context, req ContestIDRequest) (*LeaderboardResponse, error) {
	return unary(ctx, c.getLeaderboard, &req, c.token)
}
