package turn

// Badges prefixed to assistant content that was salvaged instead of produced
// by a clean turn. They are part of the user-visible contract: once one of
// these appears in history the user knows the preceding session ended badly.
const (
	BadgeRecoveredComplete   = "[Recovered - stream completed but not finalized]"
	BadgeRecoveredIncomplete = "[Recovered - incomplete response from previous session]"
	BadgeRecoveredError      = "[Recovered - stream error from previous session]"
	BadgeAbortedJournal      = "[Aborted - journal write failed]"
	BadgeStreamError         = "[Stream error]"
	BadgeEmptyResponse       = "[Empty response - API returned no content]"
)
