package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/betbot/stakepilot/internal/domain"
	"github.com/betbot/stakepilot/internal/engine"
)

// decider 回放只需要决策能力
type decider interface {
	Decide(ctx context.Context, h engine.Hand) (domain.Advice, error)
}

// summary 回放统计
type summary struct {
	Hands        int
	Stops        int
	HeavyGrants  int
	Disabled     int
	TotalStake   decimal.Decimal // 按单位累计
	FinalMargin  float64
	LastAdvice   domain.Advice
	SkippedLines int
}

// parseRow table,hand,margin,level,outcome[,elapsed[,tables]]
func parseRow(rec []string) (engine.Hand, error) {
	if len(rec) < 5 {
		return engine.Hand{}, fmt.Errorf("expected at least 5 columns, got %d", len(rec))
	}
	field := func(i int) string {
		if i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var (
		h   engine.Hand
		err error
	)
	if h.TableID, err = strconv.Atoi(field(0)); err != nil {
		return h, errors.Wrap(err, "table")
	}
	if h.HandIndex, err = strconv.Atoi(field(1)); err != nil {
		return h, errors.Wrap(err, "hand")
	}
	if h.MarginDisplay, err = strconv.ParseFloat(strings.Replace(field(2), ",", ".", 1), 64); err != nil {
		return h, errors.Wrap(err, "margin")
	}
	if h.MartingaleLevelUI, err = strconv.Atoi(field(3)); err != nil {
		return h, errors.Wrap(err, "level")
	}
	h.Outcome = strings.ToUpper(field(4))
	if v := field(5); v != "" {
		if h.ElapsedMinutes, err = strconv.ParseFloat(v, 64); err != nil {
			return h, errors.Wrap(err, "elapsed")
		}
	}
	h.ActiveTables = 1
	if v := field(6); v != "" {
		if h.ActiveTables, err = strconv.Atoi(v); err != nil {
			return h, errors.Wrap(err, "tables")
		}
	}
	return h, nil
}

// replay 逐行决策，每条建议写一行到 out
func replay(ctx context.Context, d decider, in io.Reader, out io.Writer) (summary, error) {
	r := csv.NewReader(in)
	r.FieldsPerRecord = -1
	r.Comment = '#'
	r.TrimLeadingSpace = true

	var sum summary
	sum.TotalStake = decimal.Zero
	line := 0
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return sum, errors.Wrapf(err, "read line %d", line)
		}
		h, err := parseRow(rec)
		if err != nil {
			// 表头
			if line == 1 {
				sum.SkippedLines++
				continue
			}
			return sum, errors.Wrapf(err, "line %d", line)
		}

		adv, err := d.Decide(ctx, h)
		if err != nil {
			return sum, errors.Wrapf(err, "decide line %d", line)
		}
		sum.Hands++
		sum.TotalStake = sum.TotalStake.Add(decimal.NewFromFloat(adv.StakeUnits))
		sum.FinalMargin = adv.GlobalMargin
		sum.LastAdvice = adv
		switch {
		case adv.TableStatus == domain.TableDisabled:
			sum.Disabled++
		case adv.StopAtL5:
			sum.Stops++
		}
		if adv.AuthorizedHeavy && strings.HasPrefix(adv.Reason, "Heavy authorized") {
			sum.HeavyGrants++
		}

		fmt.Fprintf(out, "table=%d hand=%d level=L%d stake=%.2f heavy=%v stop=%v signal=%s reason=%q\n",
			adv.TableID, adv.HandIndex, adv.LevelIndex+1, adv.StakeUnits,
			adv.AuthorizedHeavy, adv.StopAtL5, adv.SignalW10, adv.Reason)
	}
	return sum, nil
}
