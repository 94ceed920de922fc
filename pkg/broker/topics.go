package broker

import "strings"

// TopicConfig names the segments of the request/response topic scheme
type TopicConfig struct {
	BasePrefix           string `mapstructure:"base_prefix"`
	RequestSuffix        string `mapstructure:"request_suffix"`
	ResponseSuffix       string `mapstructure:"response_suffix"`
	NotificationSuffix   string `mapstructure:"notification_suffix"`
	IncludeTransactionID bool   `mapstructure:"include_transaction_id"`
}

// RequestTopic builds <base>/<service>/<method>/<suffix>[/<tid>].
// It is a pure function of its arguments.
func RequestTopic(base, service, method, suffix, tid string, includeTID bool) string {
	return buildTopic(base, service, method, suffix, tid, includeTID)
}

// ResponseTopic mirrors RequestTopic with the response suffix
func ResponseTopic(base, service, method, suffix, tid string, includeTID bool) string {
	return buildTopic(base, service, method, suffix, tid, includeTID)
}

// NotificationTopic builds <base>/<service>/<method>/<suffix>
func NotificationTopic(base, service, method, suffix string) string {
	return buildTopic(base, service, method, suffix, "", false)
}

func buildTopic(base, service, method, suffix, tid string, includeTID bool) string {
	parts := []string{base, service, method, suffix}
	if includeTID && tid != "" {
		parts = append(parts, tid)
	}
	return strings.Join(parts, "/")
}

// MirrorResponseTopic rewrites an inbound request topic into its
// response topic by swapping the request suffix segment. It returns
// the empty string when the topic does not carry the request suffix.
func MirrorResponseTopic(requestTopic, requestSuffix, responseSuffix string) string {
	segments := strings.Split(requestTopic, "/")
	for i := len(segments) - 1; i >= 0; i-- {
		if segments[i] == requestSuffix {
			segments[i] = responseSuffix
			return strings.Join(segments, "/")
		}
	}
	return ""
}
