// Package judge holds scorers for finished turns. The AI judge is an external
// service reached over HTTP; Heuristic is a deterministic local stand-in.
package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bloops-games/rapbattle/internal/battle"
	"github.com/bloops-games/rapbattle/internal/errs"
	"github.com/bloops-games/rapbattle/internal/hashutil"
	"github.com/bloops-games/rapbattle/internal/logging"
)

var (
	_ battle.Scorer = (*HTTPScorer)(nil)
	_ battle.Scorer = Heuristic{}
)

type HTTPScorer struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewHTTPScorer(baseURL, token string, timeout time.Duration) *HTTPScorer {
	return &HTTPScorer{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: timeout},
	}
}

type scoreResponse struct {
	Scores   battle.Scores `json:"scores"`
	Feedback string        `json:"feedback"`
}

// Score posts the submission to {BaseURL}/score. Non-2xx answers are mapped to
// the error taxonomy so that 5xx and 429 read as transient.
func (c *HTTPScorer) Score(ctx context.Context, s battle.Submission) (battle.Assessment, error) {
	logger := logging.FromContext(ctx).Named("judge.Score")

	body, err := json.Marshal(s)
	if err != nil {
		return battle.Assessment{}, fmt.Errorf("marshal submission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/score", bytes.NewReader(body))
	if err != nil {
		return battle.Assessment{}, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return battle.Assessment{}, fmt.Errorf("judge request: %v: %w", err, errs.ErrTransientNetwork)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return battle.Assessment{}, fmt.Errorf("read judge response: %v: %w", err, errs.ErrTransientNetwork)
	}

	if resp.StatusCode/100 != 2 {
		logger.Errorf("judge returned %d for battle %s round %d: %s", resp.StatusCode, s.BattleID, s.RoundNumber, raw)
		return battle.Assessment{}, errs.FromHTTPStatus(resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out scoreResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return battle.Assessment{}, fmt.Errorf("decode judge response: %w", err)
	}

	return battle.Assessment{Scores: out.Scores, Feedback: out.Feedback}, nil
}

// Heuristic scores a turn from a hash of its identity and the share of the turn
// that was used. The same submission always gets the same scores.
type Heuristic struct {
	TurnDuration time.Duration
}

func (h Heuristic) Score(_ context.Context, s battle.Submission) (battle.Assessment, error) {
	if s.SubmissionRef == "" && s.Duration <= 0 {
		return battle.Assessment{Feedback: "nothing captured"}, nil
	}

	seed := hashutil.Seed(s.BattleID, strconv.Itoa(s.RoundNumber), s.PlayerID, s.SubmissionRef)
	usage := 1.0
	if h.TurnDuration > 0 {
		usage = math.Min(1, s.Duration.Seconds()/h.TurnDuration.Seconds())
	}

	// each category takes one byte of the seed mapped to 4..10, scaled by usage
	category := func(shift uint) float64 {
		v := 4 + float64((seed>>shift)&0xff)/255*6
		return math.Round(v*usage*10) / 10
	}

	scores := battle.Scores{
		Rhyme:      category(0),
		Flow:       category(8),
		Punchlines: category(16),
		Delivery:   category(24),
		Creativity: category(32),
		Rebuttal:   category(40),
	}

	return battle.Assessment{Scores: scores, Feedback: feedback(scores.Total())}, nil
}

func feedback(total float64) string {
	switch {
	case total >= 40:
		return "crowd went wild"
	case total >= 30:
		return "solid verse"
	case total >= 20:
		return "found the pocket now and then"
	default:
		return "lost the beat"
	}
}
