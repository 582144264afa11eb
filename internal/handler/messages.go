package handler

// Comments posted back to the pull request. The wording is part of the bot's
// user interface, tests assert on it.
const (
	msgPong              = "Pong :ping_pong:"
	msgNoBuildInProgress = ":exclamation: there is currently no try build in progress"
	msgBuildCancelled    = "Build cancelled."
	msgMergeConflict     = ":lock: Merge conflict."

	msgTryStartedFmt     = ":hourglass: Trying commit %s with merge %s…"
	msgApprovedFmt       = ":pushpin: Commit %s has been approved by `%s`"
	msgAlreadyRunningFmt = ":exclamation: A %s build is already in progress."
	msgBuildSucceededFmt = ":sunny: Build successful%s"
	msgBuildFailedFmt    = ":broken_heart: Build failed%s"
	msgLandedFmt         = ":sunny: Build successful, merged into `%s`"
)
