package services

import (
	"sort"

	"shepherd/internal/models"

	"github.com/sirupsen/logrus"
)

// MatchRules selects the rules applicable to an event and orders them
// URGENT > HIGH > NORMAL > LOW, ties broken by rule creation time. It is a
// pure function over its inputs; a malformed condition on one rule only
// removes that rule from the result.
func MatchRules(event *Event, rules []models.AutomationRule, logger *logrus.Logger) []models.AutomationRule {
	if logger == nil {
		logger = logrus.New()
	}

	var matched []models.AutomationRule
	for _, rule := range rules {
		if !rule.IsActive || rule.TriggerType != event.TriggerType {
			continue
		}
		set, err := ParseConditionSet(rule.Conditions)
		if err != nil {
			logger.Warnf("automation: rule %d (%s) has malformed conditions, skipping: %v", rule.ID, rule.Name, err)
			continue
		}
		if !set.Evaluate(event.Payload) {
			continue
		}
		matched = append(matched, rule)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		ri, rj := priorityRank(matched[i].PriorityLevel), priorityRank(matched[j].PriorityLevel)
		if ri != rj {
			return ri < rj
		}
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	return matched
}
