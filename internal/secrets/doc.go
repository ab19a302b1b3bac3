// Package secrets detects and redacts credentials before they reach the
// thought log or an event subscriber.
//
// Two engines are available: a compiled regexp rule set (New) and the
// gitleaks default detector (NewGitleaks). ScrubValue walks structured
// payloads so only string leaves are rewritten.
package secrets
