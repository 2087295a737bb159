// Package scheduler evaluates five-field cron expressions and drives the
// minute tick used by the job engine.
//
// Expressions are parsed with robfig/cron's field parser but matched with
// plain AND semantics: minute, hour, day-of-month, month and day-of-week must
// all match. There is no classic cron "day-of-month OR day-of-week" rule.
package scheduler
