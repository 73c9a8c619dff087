package sanitize

import (
	"os"
	"regexp"
	"strings"
	"sync"
)

var (
	pemPrivateKeyBlock = regexp.MustCompile(
		`(?s)(-----BEGIN [^-\n]*PRIVATE KEY-----).*?(-----END [^-\n]*PRIVATE KEY-----)`)

	awsAccessKeyPair = regexp.MustCompile(
		`\b((?:AKIA|ASIA|AIDA|AROA|AGPA|AIPA|ANPA|ANVA))[A-Z0-9]{16}(\s+)[A-Za-z0-9/+=]{40}\b`)
	awsAccessKeyID = regexp.MustCompile(
		`\b((?:AKIA|ASIA|AIDA|AROA|AGPA|AIPA|ANPA|ANVA))[A-Z0-9]{16}\b`)
	awsSecretAssignment = regexp.MustCompile(
		`(?i)\b(aws_secret_access_key)(\s*[:=]\s*)[A-Za-z0-9/+=]{40}\b`)

	githubToken    = regexp.MustCompile(`\b(gh(?:p|o|u|s|r)_)[A-Za-z0-9]{20,}\b`)
	githubPATToken = regexp.MustCompile(`\b(github_pat_)[A-Za-z0-9_]{20,}\b`)

	stripeAPIKey  = regexp.MustCompile(`\b((?:sk|rk|pk)_(?:test|live)_)[A-Za-z0-9]{10,}\b`)
	stripeWebhook = regexp.MustCompile(`\b(whsec_)[A-Za-z0-9]{10,}\b`)

	bearerJWT = regexp.MustCompile(`(?i)\b(Bearer)(\s+)[A-Za-z0-9_-]+(?:\.[A-Za-z0-9_-]+){2,}`)
	bareJWT   = regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\b`)

	hexPrivateKeyAssignment = regexp.MustCompile(`(?i)\b(PRIVATE_KEY)(\s*[:=]\s*)0x[0-9a-f]{64}\b`)

	anthropicKey = regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]+`)
	// OpenAI keys are sk- with 20+ characters after the prefix. The
	// alternation excludes sk-ant- so Anthropic keys are not redacted
	// twice, and the length floor keeps natural-language "sk-" fragments
	// intact.
	openaiKey = regexp.MustCompile(
		`sk-(?:[^a][A-Za-z0-9_-]{19,}|a[^n][A-Za-z0-9_-]{18,}|an[^t][A-Za-z0-9_-]{17,}|ant[^-][A-Za-z0-9_-]{16,})`)
	geminiKey = regexp.MustCompile(`AIza[0-9A-Za-z_-]+`)
)

// RedactSecrets replaces recognizable credential formats with redaction
// markers: PEM private key blocks, AWS access keys, GitHub and Stripe
// tokens, bearer JWTs, hex private key assignments, and provider API keys
// (sk-, sk-ant-, AIza). More specific patterns run first so a broader
// pattern never leaves a partially redacted token behind.
func RedactSecrets(s string) string {
	out := s

	out = applyIfMatch(pemPrivateKeyBlock, "$1\n[REDACTED]\n$2", out)

	out = applyIfMatch(awsAccessKeyPair, "$1***$2[REDACTED]", out)
	out = applyIfMatch(awsSecretAssignment, "$1$2[REDACTED]", out)
	out = applyIfMatch(awsAccessKeyID, "$1***", out)

	out = applyIfMatch(githubPATToken, "$1***", out)
	out = applyIfMatch(githubToken, "$1***", out)

	out = applyIfMatch(stripeWebhook, "$1***", out)
	out = applyIfMatch(stripeAPIKey, "$1***", out)

	out = applyIfMatch(bearerJWT, "$1$2[REDACTED]", out)
	out = applyIfMatch(bareJWT, "[REDACTED]", out)

	out = applyIfMatch(hexPrivateKeyAssignment, "$1$2[REDACTED]", out)

	// Provider keys last; sk-ant- must run before sk-.
	out = applyIfMatch(anthropicKey, "sk-ant-***", out)
	out = applyIfMatch(openaiKey, "sk-***", out)
	out = applyIfMatch(geminiKey, "AIza***", out)

	return out
}

func applyIfMatch(re *regexp.Regexp, repl string, s string) string {
	if !re.MatchString(s) {
		return s
	}
	return re.ReplaceAllString(s, repl)
}

// Environment variable name suffixes whose values are treated as secrets.
var credentialNameSuffixes = []string{
	"_KEY", "_TOKEN", "_SECRET", "_PASSWORD", "_CREDENTIAL", "_CREDENTIALS", "_PASSPHRASE",
}

// Values shorter than this are never treated as env secrets. Avoids false
// positives on flags like "true" or "1".
const minEnvSecretLength = 16

var envReplacer = sync.OnceValue(buildEnvReplacer)

// buildEnvReplacer scans the environment once for credential-named
// variables and builds a multi-pattern replacer over their values.
func buildEnvReplacer() *strings.Replacer {
	var pairs []string
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !credentialVarName(name) {
			continue
		}
		value = strings.TrimSpace(value)
		if len(value) < minEnvSecretLength || looksLikeNonSecret(value) {
			continue
		}
		pairs = append(pairs, value, "[REDACTED]")
	}
	return strings.NewReplacer(pairs...)
}

func credentialVarName(name string) bool {
	upper := strings.ToUpper(name)
	for _, suffix := range credentialNameSuffixes {
		if strings.HasSuffix(upper, suffix) {
			return true
		}
	}
	return false
}

// looksLikeNonSecret filters values that commonly land in
// credential-named variables without being secrets. Conservative: when in
// doubt the value is treated as a secret.
func looksLikeNonSecret(value string) bool {
	// File paths, but only ones that actually exist. Without the
	// existence check a secret starting with "/" would be whitelisted.
	if strings.HasPrefix(value, "/") {
		_, err := os.Stat(value)
		return err == nil
	}

	lower := strings.ToLower(value)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		// URLs with userinfo are almost certainly secrets.
		authority := value[strings.Index(value, "//")+2:]
		if i := strings.IndexByte(authority, '/'); i >= 0 {
			authority = authority[:i]
		}
		if strings.Contains(authority, "@") {
			return false
		}
		for _, param := range []string{
			"token=", "key=", "secret=", "password=", "auth=",
			"bearer=", "credential=", "access_token=", "client_secret=",
		} {
			if strings.Contains(lower, param) {
				return false
			}
		}
		return true
	}

	// Long pure-digit strings are API-issued numeric ids, not secrets.
	if len(value) >= 20 && !strings.ContainsFunc(value, func(r rune) bool { return r < '0' || r > '9' }) {
		return true
	}

	return false
}

func redactEnvSecrets(s string) string {
	return envReplacer().Replace(s)
}
