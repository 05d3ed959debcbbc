package classifier

// knownCommands are executables that are fast-tracked as commands without
// consulting the model.
var knownCommands = []string{
	"alias", "apt", "apt-get", "awk", "bash", "bat", "brew", "bun", "bundle",
	"cargo", "cat", "cd", "chmod", "chown", "clear", "code", "cp", "curl",
	"cut", "date", "deno", "df", "diff", "dig", "dnf", "docker", "du",
	"echo", "env", "exit", "export", "fd", "file", "find", "fish", "gcc",
	"gh", "git", "go", "gradle", "grep", "gunzip", "gzip", "head", "helm",
	"history", "htop", "jq", "java", "javac", "kill", "killall", "kubectl",
	"less", "ln", "ls", "lsof", "make", "man", "mkdir", "more", "mv", "mvn",
	"nano", "nc", "node", "npm", "npx", "nvim", "open", "pacman", "pip",
	"pip3", "pkill", "pnpm", "ps", "pwd", "python", "python3", "rg", "rm",
	"rmdir", "rsync", "ruby", "rustc", "scp", "sed", "sh", "sort", "source",
	"ssh", "sudo", "systemctl", "tail", "tar", "terraform", "tmux", "top",
	"touch", "tr", "tree", "uname", "uniq", "unzip", "uv", "vi", "vim",
	"watch", "wc", "wget", "which", "whoami", "xargs", "yarn", "yum", "zip",
	"zsh",
}

// subcommands lists the subcommands of multi-command programs. Used for
// autocomplete and for typo detection on the second word.
var subcommands = map[string][]string{
	"git": {
		"add", "bisect", "blame", "branch", "checkout", "cherry-pick", "clean",
		"clone", "commit", "config", "diff", "fetch", "grep", "init", "log",
		"merge", "mv", "pull", "push", "rebase", "reflog", "remote", "reset",
		"restore", "revert", "rm", "show", "stash", "status", "switch", "tag",
		"worktree",
	},
	"docker": {
		"build", "compose", "exec", "images", "inspect", "kill", "login",
		"logs", "network", "ps", "pull", "push", "restart", "rm", "rmi", "run",
		"start", "stop", "system", "tag", "volume",
	},
	"npm": {
		"audit", "ci", "init", "install", "link", "list", "outdated", "publish",
		"run", "start", "test", "uninstall", "update", "version",
	},
	"yarn": {"add", "build", "dev", "install", "remove", "run", "start", "test", "upgrade"},
	"pnpm": {"add", "build", "dev", "exec", "install", "remove", "run", "start", "test", "update"},
	"cargo": {
		"add", "bench", "build", "check", "clean", "clippy", "doc", "fmt",
		"init", "install", "new", "publish", "run", "test", "update",
	},
	"go": {
		"build", "clean", "doc", "env", "fmt", "generate", "get", "install",
		"list", "mod", "run", "test", "tool", "version", "vet", "work",
	},
	"kubectl": {
		"apply", "config", "create", "delete", "describe", "edit", "exec",
		"explain", "get", "logs", "port-forward", "rollout", "scale", "top",
	},
	"brew": {
		"cleanup", "doctor", "info", "install", "list", "outdated", "search",
		"services", "uninstall", "update", "upgrade",
	},
	"gh": {"api", "auth", "browse", "issue", "pr", "release", "repo", "run", "workflow"},
	"systemctl": {
		"daemon-reload", "disable", "enable", "is-active", "list-units",
		"reload", "restart", "start", "status", "stop",
	},
	"pip": {"download", "freeze", "install", "list", "show", "uninstall"},
}

// Subcommands returns the known subcommands of cmd, or nil.
func Subcommands(cmd string) []string {
	return subcommands[cmd]
}
