package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"medibuddy/internal/model"
)

const reasonNoItems = "no medicine details available to check"

type OTCService struct {
	conversations *ConversationService
	classifier    *Classifier
	logger        *zap.Logger
}

func NewOTCService(conversations *ConversationService, classifier *Classifier, logger *zap.Logger) *OTCService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OTCService{
		conversations: conversations,
		classifier:    classifier,
		logger:        logger.With(zap.String("component", "otc")),
	}
}

type OTCCheckResult struct {
	TopicID string         `json:"topic_id"`
	Cached  bool           `json:"cached"`
	Verdict *model.Verdict `json:"verdict"`
}

// CheckTopic returns the cached verdict for the topic's session, computing
// and storing it on first use. force discards any cached verdict first. Only
// verdicts without a top-level error are stored.
func (s *OTCService) CheckTopic(ctx context.Context, userID, topicID string, force bool) (*OTCCheckResult, error) {
	session, err := s.conversations.SessionForTopic(ctx, userID, topicID)
	if err != nil {
		return nil, err
	}

	if !force {
		cached, err := s.conversations.CachedVerdict(session)
		if err != nil {
			return nil, fmt.Errorf("cached verdict for topic %s: %w", topicID, err)
		}
		if cached != nil {
			return &OTCCheckResult{TopicID: topicID, Cached: true, Verdict: cached}, nil
		}
	}

	items := model.ItemsFromDetails(session.Details)
	if len(items) == 0 {
		return &OTCCheckResult{TopicID: topicID, Verdict: model.FailedVerdict(reasonNoItems)}, nil
	}

	verdict := s.classifier.Classify(ctx, items)
	if !verdict.Failed() {
		if err := s.conversations.SaveVerdict(ctx, session.SessionID, verdict); err != nil {
			s.logger.Error("save verdict failed",
				zap.String("session_id", session.SessionID),
				zap.Error(err),
			)
		}
	}
	s.logger.Info("classified topic",
		zap.String("topic_id", topicID),
		zap.Int("otc", len(verdict.OTCItems)),
		zap.Int("consult", len(verdict.ConsultItems)),
	)
	return &OTCCheckResult{TopicID: topicID, Verdict: verdict}, nil
}

// Invalidate drops the cached verdict so the next check recomputes it.
func (s *OTCService) Invalidate(ctx context.Context, userID, topicID string) error {
	session, err := s.conversations.SessionForTopic(ctx, userID, topicID)
	if err != nil {
		return err
	}
	return s.conversations.ClearVerdict(ctx, session.SessionID)
}
