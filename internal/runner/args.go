package runner

// BuildWorkerArgs constructs the canonical argument vector for a worker
// turn, binary path first.
//
// The worker CLI is always invoked headless with the following shape:
//   - Model: ["--model", "<model>"] ("auto" lets the CLI pick)
//   - Non-interactive: ["--print"]
//   - Allow file modifications: ["--force"]
//   - Prompt: final positional argument (rendered context + current request)
//
// Resume turns use the same shape. --resume is deliberately never passed:
// conversation memory is managed by this server, not by the worker's own
// session feature.
func BuildWorkerArgs(cli, model, prompt string) []string {
	return []string{cli, "--model", model, "--print", "--force", prompt}
}

// BuildReviewArgs constructs the argument vector for a reviewer or
// summarizer invocation. Identical to a worker turn except --force is
// omitted: review is read-only.
func BuildReviewArgs(cli, model, prompt string) []string {
	return []string{cli, "--model", model, "--print", prompt}
}

// WorkerEnv returns the extra environment entries for spawned processes.
// A stable HOME override makes the worker read a deterministic configuration
// directory; the debug knob raises the CLI's own log verbosity.
func WorkerEnv(home string, debug bool) []string {
	var env []string
	if home != "" {
		env = append(env, "HOME="+home)
	}
	if debug {
		env = append(env, "CURSOR_DEBUG=1")
	}
	return env
}
