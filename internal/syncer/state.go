package syncer

// State is the position of a (linked account, calendar) pair in the sync
// lifecycle. It is derived for logging and results; persisted watch state is
// authoritative.
type State int

const (
	StateUnlinked State = iota
	StateLinking
	StateWatching
	StateRefreshing
	StateExpired
	// StatePolling is Watching without a push channel.
	StatePolling
)

func (s State) String() string {
	switch s {
	case StateLinking:
		return "linking"
	case StateWatching:
		return "watching"
	case StateRefreshing:
		return "refreshing"
	case StateExpired:
		return "expired"
	case StatePolling:
		return "polling"
	default:
		return "unlinked"
	}
}
