package mcp

import "fmt"

// GroupNotFoundError reports a proxy call naming an unconfigured group.
type GroupNotFoundError struct {
	Group string
}

func (e *GroupNotFoundError) Error() string {
	return fmt.Sprintf("group not found: %s", e.Group)
}

// GroupUnavailableError reports a proxy call against a group that is
// currently in the failed state.
type GroupUnavailableError struct {
	Group  string
	Reason string
}

func (e *GroupUnavailableError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("group unavailable: %s", e.Group)
	}
	return fmt.Sprintf("group unavailable: %s: %s", e.Group, e.Reason)
}

// FeatureDisabledError reports a proxy call against an API the group's
// config has switched off.
type FeatureDisabledError struct {
	Group   string
	Feature string
}

func (e *FeatureDisabledError) Error() string {
	return fmt.Sprintf("%s are disabled for group %s", e.Feature, e.Group)
}
