package aem

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func newProperties() *gopter.Properties {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	return gopter.NewProperties(parameters)
}

func TestAttributionProperties(t *testing.T) {
	properties := newProperties()
	events := []string{purchase, donate, unlock}

	properties.Property("repeated events are recorded once and their values summed", prop.ForAll(
		func(idx int, cents int, repeats int) bool {
			inv, configs, _ := newBoundInvocation(t)
			v := float64(cents) / 100
			for i := 0; i < repeats; i++ {
				inv.AttributeEvent(events[idx], "USD", &v, nil, configs, true, false)
			}
			count := 0
			for _, ev := range inv.RecordedEvents {
				if ev == events[idx] {
					count++
				}
			}
			want := 0.0
			for i := 0; i < repeats; i++ {
				want += v
			}
			return count == 1 && inv.RecordedValues[events[idx]]["USD"] == want
		},
		gen.IntRange(0, 2), gen.IntRange(1, 100000), gen.IntRange(1, 5),
	))

	properties.Property("priority never decreases across attribute sequences", prop.ForAll(
		func(sequence []int, values []int) bool {
			inv, configs, _ := newBoundInvocation(t)
			last := inv.Priority
			lastValue := inv.ConversionValue
			for i, idx := range sequence {
				v := float64(values[i%len(values)])
				inv.AttributeEvent(events[idx], "USD", &v, nil, configs, true, false)
				changed := inv.UpdateConversionValue(configs, events[idx], false)
				if inv.Priority < last {
					return false
				}
				if !changed && (inv.Priority != last || inv.ConversionValue != lastValue) {
					return false
				}
				if changed && inv.Priority == last && inv.ConversionValue == lastValue {
					return false
				}
				last, lastValue = inv.Priority, inv.ConversionValue
			}
			return true
		},
		gen.SliceOfN(8, gen.IntRange(0, 2)), gen.SliceOfN(3, gen.IntRange(0, 200)),
	))

	properties.Property("nothing mutates an invocation once its window closed", prop.ForAll(
		func(idx int, hours int) bool {
			inv, configs, clock := newBoundInvocation(t)
			v := 150.0
			inv.AttributeEvent(purchase, "USD", &v, nil, configs, true, false)
			clock.advance(time.Duration(24+hours) * time.Hour)
			before := inv.Clone()
			inv.AttributeEvent(events[idx], "USD", &v, nil, configs, true, false)
			inv.UpdateConversionValue(configs, events[idx], true)
			return inv.ConversionValue == before.ConversionValue &&
				len(inv.RecordedEvents) == len(before.RecordedEvents) &&
				inv.RecordedValues[purchase]["USD"] == before.RecordedValues[purchase]["USD"]
		},
		gen.IntRange(0, 2), gen.IntRange(1, 1000),
	))

	properties.TestingRun(t)
}

func TestSignatureProperties(t *testing.T) {
	properties := newProperties()

	properties.Property("signature is deterministic and depends on the conversion value", prop.ForAll(
		func(campaign string, cv int, delay int) bool {
			inv := signingInvocation()
			inv.CampaignID = campaign
			inv.ConversionValue = cv
			a, err1 := inv.HMAC(delay, DigestSHA256)
			b, err2 := inv.Clone().HMAC(delay, DigestSHA256)
			inv.ConversionValue = cv + 1
			c, err3 := inv.HMAC(delay, DigestSHA256)
			return err1 == nil && err2 == nil && err3 == nil && a == b && a != c
		},
		gen.Identifier(), gen.IntRange(0, 62), gen.IntRange(0, 72),
	))

	properties.TestingRun(t)
}
