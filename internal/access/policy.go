// Package access evaluates whether an account currently has feature
// access. Evaluation is a pure function of the subscription record, the
// license record, and one trusted-clock reading; it never touches the
// device wall clock and regards an untrusted reading as fail-secure deny.
package access

import (
	"time"

	"github.com/mwinters/roadlog/internal/clock"
	"github.com/mwinters/roadlog/internal/model"
)

// Policy holds the evaluation constants.
type Policy struct {
	// DenyExportOnTrialLastDay withholds export on a trial's final day
	// even while access itself is still granted.
	DenyExportOnTrialLastDay bool
}

var deny = model.AccessDecision{}

// Evaluate applies the access rules in priority order. Lifetime and an
// active license without an end date are the only states that do not
// depend on time; everything else denies when the reading is untrusted.
func Evaluate(sub *model.Subscription, lic *model.License, r clock.Reading, p Policy) model.AccessDecision {
	if sub == nil {
		return deny
	}

	switch sub.Type {
	case model.SubscriptionLifetime:
		return model.AccessDecision{HasAccess: true, CanExport: true}

	case model.SubscriptionLicensed:
		return evaluateLicensed(lic, r)

	case model.SubscriptionTrial:
		// A trial with no end date is already expired, never unlimited.
		if sub.TrialEndsAt == nil {
			return deny
		}
		return timeBounded(*sub.TrialEndsAt, r, p.DenyExportOnTrialLastDay)

	case model.SubscriptionPremium:
		if sub.ExpiresAt == nil {
			return deny
		}
		return timeBounded(*sub.ExpiresAt, r, false)

	case model.SubscriptionExpired:
		return deny
	}

	return deny
}

func evaluateLicensed(lic *model.License, r clock.Reading) model.AccessDecision {
	if lic == nil {
		return deny
	}
	switch lic.Status {
	case model.LicenseActive, model.LicensePaused:
	default:
		return deny
	}

	// No end date: access does not depend on an expiry comparison, so an
	// untrusted clock cannot withhold it.
	if lic.EndDate == nil {
		return model.AccessDecision{HasAccess: true, CanExport: true}
	}
	return timeBounded(*lic.EndDate, r, false)
}

func timeBounded(deadline time.Time, r clock.Reading, denyExportLastDay bool) model.AccessDecision {
	if !r.Trusted {
		return deny
	}
	if !r.Now.Before(deadline) {
		return deny
	}

	days := daysRemaining(deadline, r.Now)
	d := model.AccessDecision{HasAccess: true, CanExport: true, DaysRemaining: &days}
	if denyExportLastDay && days <= 1 {
		d.CanExport = false
	}
	return d
}

// daysRemaining is the ceiling of deadline-now in whole days, floored at
// zero. The caller guarantees now < deadline.
func daysRemaining(deadline, now time.Time) int {
	diff := deadline.Sub(now)
	if diff <= 0 {
		return 0
	}
	days := int((diff + 24*time.Hour - 1) / (24 * time.Hour))
	return days
}
