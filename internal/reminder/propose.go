package reminder

import (
	"context"
	"fmt"
	"strings"

	kit "gamenight/internal/transport"
	logx "gamenight/pkg/logx"
)

// Propose validates a schedule request without persisting anything.
func (s *Service) Propose(ctx context.Context, subjectName, timeText string, creatorID int64, chat kit.ChatTarget) (Proposal, error) {
	name := strings.TrimSpace(strings.Trim(strings.TrimSpace(subjectName), `"`))
	if name == "" {
		return Proposal{}, fmt.Errorf("%w: game name is empty", ErrInvalidInput)
	}
	if strings.TrimSpace(timeText) == "" {
		return Proposal{}, fmt.Errorf("%w: start time is empty", ErrInvalidInput)
	}

	sub, err := s.d.Catalog.FindSubjectByName(ctx, name)
	if err != nil {
		return Proposal{}, storeErr("find subject "+name, err)
	}
	start, err := ParseStartTime(timeText)
	if err != nil {
		return Proposal{}, err
	}
	if !start.After(s.now()) {
		return Proposal{}, fmt.Errorf("%w: %s", ErrStartInPast, start.Format("2006-01-02 15:04"))
	}

	s.log.Debug("reminder.proposed",
		logx.String("subject", sub.Name),
		logx.Time("start", start),
		logx.Int64("creator", creatorID),
	)
	return Proposal{Subject: sub, StartTime: start, CreatorID: creatorID, Chat: chat}, nil
}
