package server

import (
	"golang.org/x/time/rate"
)

// ingressLimiter enforces the per-connection message budget: a steady
// per-second rate with a small burst, composed with an hourly ceiling that
// catches clients pacing themselves just under the short-term limit.
// Exceeding either is fatal for the connection.
type ingressLimiter struct {
	short *rate.Limiter
	hour  *rate.Limiter
}

func newIngressLimiter(perSecond float64, burst, perHour int) *ingressLimiter {
	return &ingressLimiter{
		short: rate.NewLimiter(rate.Limit(perSecond), burst),
		hour:  rate.NewLimiter(rate.Limit(float64(perHour)/3600.0), perHour),
	}
}

// Allow consumes one message from both budgets. Both are charged even when
// one denies, so a client cannot probe one bucket for free.
func (l *ingressLimiter) Allow() bool {
	shortOK := l.short.Allow()
	hourOK := l.hour.Allow()
	return shortOK && hourOK
}
