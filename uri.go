package stomp

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ParseURI parses a broker URI into its candidate list and retry
// policy. Two forms are accepted:
//
//	tcp://broker:61613
//	failover:(tcp://primary:61613,ssl://backup:61612)?maxReconnectAttempts=3
//
// Recognised failover query options: initialReconnectDelay (ms),
// maxReconnectDelay (ms), useExponentialBackOff, backOffMultiplier,
// maxReconnectAttempts, randomize.
func ParseURI(uri string) ([]Broker, FailoverOptions, error) {
	opts := DefaultFailoverOptions()
	if !strings.HasPrefix(uri, "failover:") {
		broker, err := parseBroker(uri)
		if err != nil {
			return nil, opts, err
		}
		// a single candidate is tried exactly once
		opts.MaxReconnectAttempts = 0
		return []Broker{broker}, opts, nil
	}

	rest := strings.TrimPrefix(uri, "failover:")
	var list, query string
	if strings.HasPrefix(rest, "(") {
		end := strings.Index(rest, ")")
		if end < 0 {
			return nil, opts, fmt.Errorf("unbalanced parenthesis in failover uri %q", uri)
		}
		list = rest[1:end]
		query = strings.TrimPrefix(rest[end+1:], "?")
	} else {
		list = rest
	}

	var brokers []Broker
	for _, candidate := range strings.Split(list, ",") {
		broker, err := parseBroker(strings.TrimSpace(candidate))
		if err != nil {
			return nil, opts, err
		}
		brokers = append(brokers, broker)
	}
	if len(brokers) == 0 {
		return nil, opts, fmt.Errorf("failover uri %q names no brokers", uri)
	}

	if query != "" {
		values, err := url.ParseQuery(query)
		if err != nil {
			return nil, opts, fmt.Errorf("invalid failover options in %q: %w", uri, err)
		}
		if err := applyFailoverOptions(&opts, values); err != nil {
			return nil, opts, err
		}
	}
	return brokers, opts, nil
}

func parseBroker(raw string) (Broker, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Broker{}, fmt.Errorf("invalid broker uri %q: %w", raw, err)
	}
	switch u.Scheme {
	case "tcp", "ssl", "ws", "wss":
	default:
		return Broker{}, fmt.Errorf("unsupported scheme %q in broker uri %q", u.Scheme, raw)
	}
	if u.Hostname() == "" {
		return Broker{}, fmt.Errorf("broker uri %q carries no host", raw)
	}
	port := 61613
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return Broker{}, fmt.Errorf("invalid port in broker uri %q", raw)
		}
	}
	return Broker{Scheme: u.Scheme, Host: u.Hostname(), Port: port}, nil
}

func applyFailoverOptions(opts *FailoverOptions, values url.Values) error {
	for key := range values {
		value := values.Get(key)
		var err error
		switch key {
		case "initialReconnectDelay":
			opts.InitialReconnectDelay, err = parseMillis(value)
		case "maxReconnectDelay":
			opts.MaxReconnectDelay, err = parseMillis(value)
		case "useExponentialBackOff":
			opts.UseExponentialBackOff, err = strconv.ParseBool(value)
		case "backOffMultiplier":
			opts.BackOffMultiplier, err = strconv.ParseFloat(value, 64)
		case "maxReconnectAttempts":
			opts.MaxReconnectAttempts, err = strconv.Atoi(value)
		case "randomize":
			opts.Randomize, err = strconv.ParseBool(value)
		default:
			return fmt.Errorf("unknown failover option %q", key)
		}
		if err != nil {
			return fmt.Errorf("invalid failover option %s=%q: %v", key, value, err)
		}
	}
	return nil
}

func parseMillis(value string) (time.Duration, error) {
	ms, err := strconv.Atoi(value)
	if err != nil || ms < 0 {
		return 0, fmt.Errorf("expected a millisecond count, got %q", value)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
