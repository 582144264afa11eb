package logfields

import "go.uber.org/zap"

func PullRequest(val int) zap.Field {
	return zap.Int("github.pull_request", val)
}

func Repository(val string) zap.Field {
	return zap.String("git.repository", val)
}

func RepositoryOwner(val string) zap.Field {
	return zap.String("github.repository_owner", val)
}

func Branch(val string) zap.Field {
	return zap.String("git.branch", val)
}

func Commit(val string) zap.Field {
	return zap.String("git.commit", val)
}

func User(val string) zap.Field {
	return zap.String("github.user", val)
}

func Build(val int64) zap.Field {
	return zap.Int64("merganser.build_id", val)
}

func WorkflowRun(val int64) zap.Field {
	return zap.Int64("github.workflow_run_id", val)
}

func Command(val string) zap.Field {
	return zap.String("merganser.command", val)
}
