package schedule

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestWeekdayConversionProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	genDow := gen.OneGenOf(
		// single day
		gen.IntRange(0, 7).Map(func(n int) string { return fmt.Sprintf("%d", n) }),
		// range
		gopter.CombineGens(gen.IntRange(0, 5), gen.IntRange(1, 6)).Map(func(vs []any) string {
			lo := vs[0].(int)
			hi := lo + vs[1].(int)
			if hi > 6 {
				hi = 6
			}
			if lo >= hi {
				return fmt.Sprintf("%d", lo)
			}
			return fmt.Sprintf("%d-%d", lo, hi)
		}),
		// star with step
		gen.IntRange(1, 3).Map(func(n int) string { return fmt.Sprintf("*/%d", n) }),
		// list
		gopter.CombineGens(gen.IntRange(0, 6), gen.IntRange(0, 6)).Map(func(vs []any) string {
			return fmt.Sprintf("%d,%d", vs[0].(int), vs[1].(int))
		}),
	)

	properties.Property("conversion is stable under repetition", prop.ForAll(
		func(dow string) bool {
			expr := "0 9 * * " + dow
			once, err := ConvertWeekdays(expr)
			if err != nil {
				return false
			}
			twice, err := ConvertWeekdays(once)
			return err == nil && once == twice
		},
		genDow,
	))

	properties.Property("converted expressions parse", prop.ForAll(
		func(dow string) bool {
			_, err := ParseCron("0 9 * * " + dow)
			return err == nil
		},
		genDow,
	))

	properties.TestingRun(t)
}

func TestReminderRoundTripProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	genReminder := gopter.CombineGens(
		gen.Identifier(),                  // message
		gen.Int64Range(60, 365*24*3600),   // seconds into the future
		gen.IntRange(0, 5),                // maxChain
		gen.IntRange(0, 5),                // depth seed, clamped to maxChain
		gen.Bool(),                        // background
		gen.Bool(),                        // thinking
		gen.OneConstOf("", "always", "on_ping", "freely", "blocked"),
		gen.Bool(), // allowPing
	).Map(func(vs []any) *Reminder {
		maxChain := vs[2].(int)
		depth := vs[3].(int)
		if depth > maxChain {
			depth = maxChain
		}
		runAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).
			Add(time.Duration(vs[1].(int64)) * time.Second)
		r, err := NewReminder(runAt, vs[0].(string), depth, maxChain, "")
		if err != nil {
			panic(err)
		}
		r.Background = vs[4].(bool)
		r.Thinking = vs[5].(bool)
		if mode := vs[6].(string); mode != "" {
			r.UpdateMainSession = UpdateMode(mode)
		}
		r.AllowPing = vs[7].(bool)
		return r
	})

	properties.Property("serialize then parse is identity", prop.ForAll(
		func(r *Reminder) bool {
			parsed, err := ParseReminder(r.Serialize())
			if err != nil {
				return false
			}
			return parsed.ID == r.ID &&
				parsed.RunAt.Equal(r.RunAt) &&
				parsed.Message == r.Message &&
				parsed.Background == r.Background &&
				parsed.Thinking == r.Thinking &&
				parsed.ChainDepth == r.ChainDepth &&
				parsed.MaxChain == r.MaxChain &&
				parsed.ChainParent == r.ChainParent &&
				parsed.UpdateMainSession == r.UpdateMainSession &&
				parsed.AllowPing == r.AllowPing
		},
		genReminder,
	))

	properties.TestingRun(t)
}

func TestChainConstructionProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("a chain of max N yields exactly N follow-ups", prop.ForAll(
		func(maxChain int) bool {
			root, err := NewReminder(time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC), "chained check", 0, maxChain, "")
			if err != nil {
				return false
			}
			cur := root
			follows := 0
			for {
				next, err := cur.ChainFollowUp(cur.RunAt.Add(time.Hour))
				if err != nil {
					break
				}
				follows++
				if next.ChainDepth != follows || next.ChainParent != root.ChainParent {
					return false
				}
				if follows > maxChain {
					return false
				}
				cur = next
			}
			return follows == maxChain && cur.ChainDepth == maxChain
		},
		gen.IntRange(0, 8),
	))

	properties.TestingRun(t)
}
