// Package config loads client configuration from YAML files.
//
// A configuration file looks like:
//
//	timeout: 30s
//	user_agent: cumulus/1.0
//	follow_redirects: false
//	max_concurrent: 8
//	sniff: true
//	throttle:
//	  rps: 10
//	  burst: 5
//	progress:
//	  log: true
//	  interval: 2s
//	headers:
//	  Accept: application/json
//
// Loaded configurations are validated and turned into [client.Option]
// values with [Config.Options].
package config
