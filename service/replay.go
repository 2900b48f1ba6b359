package service

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"perpcore/domain/command"
	"perpcore/domain/matching"
	"perpcore/domain/risk"
	entrywal "perpcore/infra/wal/entry"
)

/*
Replay rebuilds books and positions from the entry journal in dir.

It must run before the service accepts traffic. Every command is applied
with its recorded sequence number and timestamp, so ids and funding
boundaries come out identical. Storage is rewritten; the outbox is not,
since those events were already emitted the first time.
*/
func (s *Service) Replay(ctx context.Context, dir string) (uint64, error) {
	s.replaying.Store(true)
	defer s.replaying.Store(false)

	applied := 0
	last, err := entrywal.Replay(dir, func(rec *entrywal.Record) error {
		s.journal.BeginReplay(rec.Seq, rec.At())
		if err := s.apply(ctx, command.Kind(rec.Type), rec.Data); err != nil {
			return errors.Wrapf(err, "replay seq %d (%s)", rec.Seq, command.Kind(rec.Type))
		}
		applied++
		return nil
	})
	s.journal.EndReplay(last)
	if err != nil {
		return last, err
	}

	s.log.WithFields(logrus.Fields{"last_seq": last, "commands": applied}).Info("journal replay completed")
	return last, nil
}

func (s *Service) apply(ctx context.Context, kind command.Kind, body []byte) error {
	switch kind {
	case command.KindPlaceOrder:
		cmd, err := matching.DecodePlaceOrder(body)
		if err != nil {
			return err
		}
		_, err = s.PlaceOrder(ctx, cmd)
		return err
	case command.KindCancelOrder:
		cmd, err := matching.DecodeCancelOrder(body)
		if err != nil {
			return err
		}
		_, err = s.CancelOrder(ctx, cmd.OrderID)
		return err
	}

	c, err := risk.Decode(kind, body)
	if err != nil {
		return err
	}
	switch cmd := c.(type) {
	case risk.OpenPosition:
		_, err = s.OpenPosition(ctx, cmd)
	case risk.ClosePosition:
		_, err = s.ClosePosition(ctx, cmd.PositionID, cmd.Size, cmd.Price)
	case risk.UpdateLeverage:
		_, err = s.UpdateLeverage(ctx, cmd.PositionID, cmd.Leverage)
	case risk.SetMarkPrice:
		err = s.SetMarkPrice(ctx, cmd.Market, cmd.Price)
	case risk.SetIndexPrice:
		err = s.SetIndexPrice(ctx, cmd.Market, cmd.Price)
	case risk.SetMarketStatus:
		err = s.SetMarketStatus(ctx, cmd.Market, cmd.Status)
	case risk.ProcessFunding:
		report := s.risk.ApplyFunding(cmd)
		s.commitFunding(ctx, report)
	case risk.CheckLiquidations:
		report := s.risk.ApplyLiquidations(cmd)
		s.commitLiquidations(ctx, report)
	default:
		err = command.ErrUnknownKind
	}
	return err
}
