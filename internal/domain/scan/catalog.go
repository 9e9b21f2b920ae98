package scan

import "regexp"

// Rule is a single detection rule. Patterns are compiled once at package
// load; nothing compiles per request.
type Rule struct {
	ID       string
	Category Category
	Pattern  *regexp.Regexp
	Risk     RiskLevel

	// Slug is a kebab-case identifier for this specific pattern, used in
	// redacted excerpts and suppression hints.
	Slug string

	// Test marks the registered test credential: matches block but are
	// tagged test=true and excluded from block counters.
	Test bool

	// AdvisoryOnly rules record an audit event but never block.
	AdvisoryOnly bool
}

// Rule ids. Stable strings: they appear in block responses, audit rows
// and allowlist files.
const (
	RuleIDCredential      = "CREDENTIAL_DETECTED"
	RuleIDDangerousCmd    = "DANGEROUS_COMMAND_DETECTED"
	RuleIDPromptInjection = "PROMPT_INJECTION_DETECTED"
	RuleIDPIISSN          = "PII_DETECTED_US_SSN"
	RuleIDPIICreditCard   = "PII_DETECTED_CREDIT_CARD"
	RuleIDPIIEmail        = "PII_DETECTED_EMAIL"
	RuleIDPIIPhone        = "PII_DETECTED_PHONE_US"
	RuleIDPIICrypto       = "PII_DETECTED_CRYPTO"
)

// TestCredentialRule is evaluated before every other rule so the exact
// sentinel string wins over the broader credential patterns.
var TestCredentialRule = Rule{
	ID:       RuleIDCredential,
	Category: CategoryCredential,
	Pattern:  regexp.MustCompile(`sk-ongarde-test-fake-key-12345`),
	Risk:     RiskCritical,
	Slug:     "ongarde-test-key",
	Test:     true,
}

// CredentialRules match API keys, tokens and private key material.
var CredentialRules = []Rule{
	{ID: RuleIDCredential, Category: CategoryCredential, Risk: RiskCritical, Slug: "openai-api-key-classic",
		Pattern: regexp.MustCompile(`sk-[a-zA-Z0-9]{20}T3BlbkFJ[a-zA-Z0-9]{20}`)},
	{ID: RuleIDCredential, Category: CategoryCredential, Risk: RiskCritical, Slug: "openai-project-key",
		Pattern: regexp.MustCompile(`sk-proj-[a-zA-Z0-9_-]{50,}`)},
	{ID: RuleIDCredential, Category: CategoryCredential, Risk: RiskCritical, Slug: "openai-api-key",
		Pattern: regexp.MustCompile(`sk-[a-zA-Z0-9]{48}`)},
	{ID: RuleIDCredential, Category: CategoryCredential, Risk: RiskCritical, Slug: "anthropic-api-key",
		Pattern: regexp.MustCompile(`sk-ant-api03-[a-zA-Z0-9_-]{93}`)},
	{ID: RuleIDCredential, Category: CategoryCredential, Risk: RiskCritical, Slug: "aws-access-key-id",
		Pattern: regexp.MustCompile(`(A3T[A-Z0-9]|AKIA|AGPA|AIDA|AROA|AIPA|ANPA|ANVA|ASIA)[A-Z0-9]{16}`)},
	{ID: RuleIDCredential, Category: CategoryCredential, Risk: RiskCritical, Slug: "aws-secret-access-key",
		Pattern: regexp.MustCompile(`(?i)aws.{0,20}secret.{0,20}[=:]\s*[a-zA-Z0-9/+]{40}`)},
	{ID: RuleIDCredential, Category: CategoryCredential, Risk: RiskCritical, Slug: "github-access-token",
		Pattern: regexp.MustCompile(`gh[pousr]_[a-zA-Z0-9]{36}`)},
	{ID: RuleIDCredential, Category: CategoryCredential, Risk: RiskCritical, Slug: "github-fine-grained-pat",
		Pattern: regexp.MustCompile(`github_pat_[a-zA-Z0-9]{22}_[a-zA-Z0-9]{59}`)},
	{ID: RuleIDCredential, Category: CategoryCredential, Risk: RiskCritical, Slug: "bearer-token",
		Pattern: regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._\-+/=]{64,}`)},
	{ID: RuleIDCredential, Category: CategoryCredential, Risk: RiskCritical, Slug: "stripe-live-secret-key",
		Pattern: regexp.MustCompile(`sk_live_[a-zA-Z0-9]{24,}`)},
	{ID: RuleIDCredential, Category: CategoryCredential, Risk: RiskCritical, Slug: "stripe-restricted-key",
		Pattern: regexp.MustCompile(`rk_live_[a-zA-Z0-9]{24,}`)},
	{ID: RuleIDCredential, Category: CategoryCredential, Risk: RiskCritical, Slug: "huggingface-token",
		Pattern: regexp.MustCompile(`hf_[a-zA-Z0-9]{34,}`)},
	{ID: RuleIDCredential, Category: CategoryCredential, Risk: RiskCritical, Slug: "slack-bot-token",
		Pattern: regexp.MustCompile(`xoxb-[0-9]{10,13}-[0-9]{10,13}-[a-zA-Z0-9]{24,}`)},
	{ID: RuleIDCredential, Category: CategoryCredential, Risk: RiskCritical, Slug: "slack-app-token",
		Pattern: regexp.MustCompile(`xapp-[0-9]-[a-zA-Z0-9]{10,}-[0-9]{10,}-[a-zA-Z0-9]{64,}`)},
	{ID: RuleIDCredential, Category: CategoryCredential, Risk: RiskCritical, Slug: "twilio-account-sid",
		Pattern: regexp.MustCompile(`AC[a-f0-9]{32}`)},
	{ID: RuleIDCredential, Category: CategoryCredential, Risk: RiskCritical, Slug: "google-api-key",
		Pattern: regexp.MustCompile(`AIza[0-9A-Za-z_-]{35}`)},
	{ID: RuleIDCredential, Category: CategoryCredential, Risk: RiskCritical, Slug: "sendgrid-api-key",
		Pattern: regexp.MustCompile(`SG\.[a-zA-Z0-9._]{22,}\.[a-zA-Z0-9._]{43,}`)},
	{ID: RuleIDCredential, Category: CategoryCredential, Risk: RiskCritical, Slug: "mailgun-private-key",
		Pattern: regexp.MustCompile(`key-[a-z0-9]{32}`)},
	{ID: RuleIDCredential, Category: CategoryCredential, Risk: RiskCritical, Slug: "npm-token",
		Pattern: regexp.MustCompile(`npm_[a-zA-Z0-9]{36}`)},
	{ID: RuleIDCredential, Category: CategoryCredential, Risk: RiskCritical, Slug: "pypi-token",
		Pattern: regexp.MustCompile(`pypi-[a-zA-Z0-9_-]{50,}`)},
	{ID: RuleIDCredential, Category: CategoryCredential, Risk: RiskCritical, Slug: "pem-private-key",
		Pattern: regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`)},
}

// DangerousCommandRules match shell destructors, SQL destructors,
// sensitive path references, and code-execution primitives.
var DangerousCommandRules = []Rule{
	{ID: RuleIDDangerousCmd, Category: CategoryShell, Risk: RiskCritical, Slug: "rm-rf",
		Pattern: regexp.MustCompile(`(?i)\brm\s+-[a-zA-Z]*r[a-zA-Z]*f?\b`)},
	{ID: RuleIDDangerousCmd, Category: CategoryShell, Risk: RiskCritical, Slug: "rm-fr",
		Pattern: regexp.MustCompile(`(?i)\brm\s+-[a-zA-Z]*f[a-zA-Z]*r\b`)},
	// sudo at start of command or after a separator, not mid-sentence.
	{ID: RuleIDDangerousCmd, Category: CategoryShell, Risk: RiskCritical, Slug: "sudo-usage",
		Pattern: regexp.MustCompile(`(?m)(?:^|[;\n|&])\s*sudo\s+`)},
	{ID: RuleIDDangerousCmd, Category: CategoryShell, Risk: RiskCritical, Slug: "dd-disk-copy",
		Pattern: regexp.MustCompile(`dd\s+if=`)},
	{ID: RuleIDDangerousCmd, Category: CategoryShell, Risk: RiskCritical, Slug: "mkfs-format",
		Pattern: regexp.MustCompile(`mkfs\.`)},
	{ID: RuleIDDangerousCmd, Category: CategoryShell, Risk: RiskCritical, Slug: "chmod-world-writable",
		Pattern: regexp.MustCompile(`chmod\s+(777|-R\s+777|0777)`)},
	{ID: RuleIDDangerousCmd, Category: CategoryShell, Risk: RiskCritical, Slug: "curl-pipe-execute",
		Pattern: regexp.MustCompile(`(?i)curl.+\|\s*(bash|sh)`)},
	{ID: RuleIDDangerousCmd, Category: CategoryShell, Risk: RiskCritical, Slug: "wget-pipe-execute",
		Pattern: regexp.MustCompile(`(?i)wget.+\|\s*(bash|sh)`)},
	{ID: RuleIDDangerousCmd, Category: CategoryShell, Risk: RiskCritical, Slug: "fork-bomb",
		Pattern: regexp.MustCompile(`:\s*\(\s*\)\s*\{.*\}`)},
	{ID: RuleIDDangerousCmd, Category: CategoryShell, Risk: RiskCritical, Slug: "direct-disk-write",
		Pattern: regexp.MustCompile(`>\s*/dev/sda\b`)},
	{ID: RuleIDDangerousCmd, Category: CategoryShell, Risk: RiskCritical, Slug: "sql-drop-table",
		Pattern: regexp.MustCompile(`(?i)\bDROP\s+TABLE\b`)},
	{ID: RuleIDDangerousCmd, Category: CategoryShell, Risk: RiskCritical, Slug: "sql-drop-database",
		Pattern: regexp.MustCompile(`(?i)\bDROP\s+DATABASE\b`)},
	{ID: RuleIDDangerousCmd, Category: CategoryShell, Risk: RiskCritical, Slug: "sql-truncate",
		Pattern: regexp.MustCompile(`(?i)\bTRUNCATE\s+(TABLE\s+)?\w`)},
	{ID: RuleIDDangerousCmd, Category: CategoryShell, Risk: RiskCritical, Slug: "sql-delete-no-where",
		Pattern: regexp.MustCompile(`(?i)\bDELETE\s+FROM\s+\w+\s*;`)},
	{ID: RuleIDDangerousCmd, Category: CategoryShell, Risk: RiskCritical, Slug: "sql-delete-no-where-eol",
		Pattern: regexp.MustCompile(`(?im)\bDELETE\s+FROM\s+\w+\s*$`)},
	{ID: RuleIDDangerousCmd, Category: CategoryFile, Risk: RiskHigh, Slug: "ssh-private-key-path",
		Pattern: regexp.MustCompile(`\.ssh/id_rsa\b`)},
	{ID: RuleIDDangerousCmd, Category: CategoryFile, Risk: RiskHigh, Slug: "ssh-authorized-keys-path",
		Pattern: regexp.MustCompile(`\.ssh/authorized_keys\b`)},
	{ID: RuleIDDangerousCmd, Category: CategoryFile, Risk: RiskHigh, Slug: "etc-passwd-path",
		Pattern: regexp.MustCompile(`/etc/passwd\b`)},
	{ID: RuleIDDangerousCmd, Category: CategoryFile, Risk: RiskHigh, Slug: "etc-shadow-path",
		Pattern: regexp.MustCompile(`/etc/shadow\b`)},
	{ID: RuleIDDangerousCmd, Category: CategoryFile, Risk: RiskHigh, Slug: "etc-sudoers-path",
		Pattern: regexp.MustCompile(`/etc/sudoers\b`)},
	{ID: RuleIDDangerousCmd, Category: CategoryFile, Risk: RiskHigh, Slug: "credentials-file-path",
		Pattern: regexp.MustCompile(`(?i)credentials\.(json|yaml|yml|csv|txt)\b`)},
	{ID: RuleIDDangerousCmd, Category: CategoryFile, Risk: RiskHigh, Slug: "dotenv-file-path",
		Pattern: regexp.MustCompile(`(?i)\.env\b`)},
	{ID: RuleIDDangerousCmd, Category: CategoryFile, Risk: RiskHigh, Slug: "aws-credentials-path",
		Pattern: regexp.MustCompile(`~/\.aws/credentials\b`)},
	{ID: RuleIDDangerousCmd, Category: CategoryShell, Risk: RiskHigh, Slug: "eval-execution",
		Pattern: regexp.MustCompile(`\beval\s*\(`)},
	{ID: RuleIDDangerousCmd, Category: CategoryShell, Risk: RiskHigh, Slug: "exec-execution",
		Pattern: regexp.MustCompile(`\bexec\s*\(`)},
	{ID: RuleIDDangerousCmd, Category: CategoryShell, Risk: RiskHigh, Slug: "import-injection",
		Pattern: regexp.MustCompile(`\b__import__\s*\(`)},
	{ID: RuleIDDangerousCmd, Category: CategoryShell, Risk: RiskHigh, Slug: "os-system-execution",
		Pattern: regexp.MustCompile(`\bos\.system\s*\(`)},
	{ID: RuleIDDangerousCmd, Category: CategoryShell, Risk: RiskHigh, Slug: "subprocess-execution",
		Pattern: regexp.MustCompile(`\bsubprocess\.(call|run|Popen)\s*\(`)},
}

// PromptInjectionRules match jailbreak and instruction-override attempts.
var PromptInjectionRules = []Rule{
	{ID: RuleIDPromptInjection, Category: CategoryPromptInjection, Risk: RiskHigh, Slug: "ignore-previous-instructions",
		Pattern: regexp.MustCompile(`(?i)ignore (all )?(previous|prior|above) instructions`)},
	{ID: RuleIDPromptInjection, Category: CategoryPromptInjection, Risk: RiskHigh, Slug: "disregard-instructions",
		Pattern: regexp.MustCompile(`(?i)disregard (your )?(system prompt|previous instructions|all instructions)`)},
	{ID: RuleIDPromptInjection, Category: CategoryPromptInjection, Risk: RiskHigh, Slug: "dan-mode-activation",
		Pattern: regexp.MustCompile(`(?i)\bDAN\b.{0,50}(mode|activate|enable)`)},
	{ID: RuleIDPromptInjection, Category: CategoryPromptInjection, Risk: RiskHigh, Slug: "do-anything-now",
		Pattern: regexp.MustCompile(`(?i)do anything now`)},
	{ID: RuleIDPromptInjection, Category: CategoryPromptInjection, Risk: RiskHigh, Slug: "no-longer-restricted",
		Pattern: regexp.MustCompile(`(?i)you are no longer (bound by|restricted by|limited to)`)},
	{ID: RuleIDPromptInjection, Category: CategoryPromptInjection, Risk: RiskHigh, Slug: "new-instructions-override",
		Pattern: regexp.MustCompile(`(?i)your new (instructions|directive|purpose|role) (are|is)`)},
	{ID: RuleIDPromptInjection, Category: CategoryPromptInjection, Risk: RiskHigh, Slug: "act-as-unrestricted",
		Pattern: regexp.MustCompile(`(?i)act as (an? )?(unrestricted|jailbroken|different) (ai|assistant|model|llm|version)`)},
	{ID: RuleIDPromptInjection, Category: CategoryPromptInjection, Risk: RiskHigh, Slug: "forget-instructions",
		Pattern: regexp.MustCompile(`(?i)forget everything (you|i|we) (have been told|have said|have discussed|said|told)`)},
	{ID: RuleIDPromptInjection, Category: CategoryPromptInjection, Risk: RiskHigh, Slug: "pretend-no-restrictions",
		Pattern: regexp.MustCompile(`(?i)pretend (you|that) (are|have) no (restrictions|limits|guidelines)`)},
	{ID: RuleIDPromptInjection, Category: CategoryPromptInjection, Risk: RiskHigh, Slug: "override-safety-filters",
		Pattern: regexp.MustCompile(`(?i)override (your )?(safety|content|ethical) (filters|guidelines|restrictions)`)},
	{ID: RuleIDPromptInjection, Category: CategoryPromptInjection, Risk: RiskHigh, Slug: "enable-special-mode",
		Pattern: regexp.MustCompile(`(?i)enable (developer|god|admin|root|debug|jailbreak) mode`)},
	{ID: RuleIDPromptInjection, Category: CategoryPromptInjection, Risk: RiskHigh, Slug: "jailbreak-label",
		Pattern: regexp.MustCompile(`(?i)\bJAILBREAK\s*:`)},
	{ID: RuleIDPromptInjection, Category: CategoryPromptInjection, Risk: RiskHigh, Slug: "system-override-label",
		Pattern: regexp.MustCompile(`(?i)\bSYSTEM OVERRIDE\s*:`)},
	{ID: RuleIDPromptInjection, Category: CategoryPromptInjection, Risk: RiskHigh, Slug: "sudo-mode-label",
		Pattern: regexp.MustCompile(`(?i)\bSUDO MODE\s*:`)},
	{ID: RuleIDPromptInjection, Category: CategoryPromptInjection, Risk: RiskHigh, Slug: "prompt-injection-label",
		Pattern: regexp.MustCompile(`(?i)\bPROMPT INJECTION\s*:`)},
	{ID: RuleIDPromptInjection, Category: CategoryPromptInjection, Risk: RiskHigh, Slug: "repeat-system-prompt",
		Pattern: regexp.MustCompile(`(?i)repeat (the|your) (system|base) prompt (back|verbatim|word for word)`)},
	{ID: RuleIDPromptInjection, Category: CategoryPromptInjection, Risk: RiskHigh, Slug: "extract-system-prompt",
		Pattern: regexp.MustCompile(`(?i)(what (is|was) (your|the)|output (your|the) (raw|full)) (system prompt|instructions)`)},
	{ID: RuleIDPromptInjection, Category: CategoryPromptInjection, Risk: RiskHigh, Slug: "injected-instruction-block",
		Pattern: regexp.MustCompile(`(?i)\[(?:NEW INSTRUCTIONS|SYSTEM UPDATE|ADMIN OVERRIDE|SYSTEM MESSAGE)\]`)},
	{ID: RuleIDPromptInjection, Category: CategoryPromptInjection, Risk: RiskHigh, Slug: "from-now-on-directive",
		Pattern: regexp.MustCompile(`(?i)from now on (you will|you must|you shall|respond as)`)},
	{ID: RuleIDPromptInjection, Category: CategoryPromptInjection, Risk: RiskHigh, Slug: "evil-ai-role-assignment",
		Pattern: regexp.MustCompile(`(?i)you are (an? )?(evil|malicious|harmful|dangerous|unrestricted) (ai|assistant|bot)`)},
	{ID: RuleIDPromptInjection, Category: CategoryPromptInjection, Risk: RiskMedium, Slug: "translate-above-prompt",
		Pattern: regexp.MustCompile(`(?i)translate (the )?above (content|text|prompt) to`)},
	{ID: RuleIDPromptInjection, Category: CategoryPromptInjection, Risk: RiskHigh, Slug: "role-confusion-mode",
		Pattern: regexp.MustCompile(`(?i)you are now (in )?(DAN|jailbreak|god|unrestricted|developer|admin) mode`)},
	{ID: RuleIDPromptInjection, Category: CategoryPromptInjection, Risk: RiskMedium, Slug: "encoded-injection-atob",
		Pattern: regexp.MustCompile(`\batob\s*\(`)},
	{ID: RuleIDPromptInjection, Category: CategoryPromptInjection, Risk: RiskMedium, Slug: "start-fresh-no-restrictions",
		Pattern: regexp.MustCompile(`(?i)(start fresh|start over).{0,30}(no restrictions|without restrictions|ignore)`)},
}

// PIIFastPathRules are the regex pre-filter for personal data. In lite
// mode they are the only PII mechanism; in full mode the entity pipeline
// validates candidates (checksums etc.) before blocking.
var PIIFastPathRules = []Rule{
	// US SSN, 3-2-4 format. RE2 has no lookaheads; heuristic refinement
	// happens in the entity pipeline.
	{ID: RuleIDPIISSN, Category: CategoryPIINLP, Risk: RiskHigh, Slug: "pii-us-ssn",
		Pattern: regexp.MustCompile(`\b\d{3}[-. ]?\d{2}[-. ]?\d{4}\b`)},
	{ID: RuleIDPIICreditCard, Category: CategoryPIINLP, Risk: RiskHigh, Slug: "pii-credit-card",
		Pattern: regexp.MustCompile(`\b(?:4[0-9]{12}(?:[0-9]{3})?|5[1-5][0-9]{14}|6(?:011|5[0-9]{2})[0-9]{12}|3[47][0-9]{13}|3(?:0[0-5]|[68][0-9])[0-9]{11})(?:[-\s]?[0-9]{4}){0,3}\b`)},
	{ID: RuleIDPIIEmail, Category: CategoryPIINLP, Risk: RiskHigh, Slug: "pii-email",
		Pattern: regexp.MustCompile(`\b[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\b`)},
	{ID: RuleIDPIIPhone, Category: CategoryPIINLP, Risk: RiskHigh, Slug: "pii-phone-us",
		Pattern: regexp.MustCompile(`(?:\+1[-.\s]?)?(?:\([2-9][0-9]{2}\)|\b[2-9][0-9]{2})[-.\s]?[2-9][0-9]{2}[-.\s]?[0-9]{4}\b`)},
	{ID: RuleIDPIICrypto, Category: CategoryPIINLP, Risk: RiskHigh, Slug: "pii-crypto-btc-p2pkh-p2sh",
		Pattern: regexp.MustCompile(`\b[13][a-km-zA-HJ-NP-Z1-9]{25,34}\b`)},
	{ID: RuleIDPIICrypto, Category: CategoryPIINLP, Risk: RiskHigh, Slug: "pii-crypto-btc-bech32",
		Pattern: regexp.MustCompile(`\bbc1[ac-hj-np-z02-9]{6,87}\b`)},
	{ID: RuleIDPIICrypto, Category: CategoryPIINLP, Risk: RiskHigh, Slug: "pii-crypto-eth-evm",
		Pattern: regexp.MustCompile(`\b0x[a-fA-F0-9]{40}\b`)},
	{ID: RuleIDPIICrypto, Category: CategoryPIINLP, Risk: RiskHigh, Slug: "pii-crypto-litecoin",
		Pattern: regexp.MustCompile(`\b[LM3][a-km-zA-HJ-NP-Z1-9]{26,33}\b`)},
	{ID: RuleIDPIICrypto, Category: CategoryPIINLP, Risk: RiskHigh, Slug: "pii-crypto-xrp",
		Pattern: regexp.MustCompile(`\br[0-9a-zA-Z]{24,34}\b`)},
}

// AllRules returns the complete evaluation order: test credential first,
// then credentials, dangerous commands, prompt injection, PII fast path.
func AllRules() []Rule {
	rules := make([]Rule, 0, 1+len(CredentialRules)+len(DangerousCommandRules)+len(PromptInjectionRules)+len(PIIFastPathRules))
	rules = append(rules, TestCredentialRule)
	rules = append(rules, CredentialRules...)
	rules = append(rules, DangerousCommandRules...)
	rules = append(rules, PromptInjectionRules...)
	rules = append(rules, PIIFastPathRules...)
	return rules
}
