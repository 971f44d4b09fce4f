package policy

// Command identifies an inbound protocol command.
type Command struct {
	Protocol string
	Topic    string
}

func (c Command) String() string {
	return c.Protocol + ":" + c.Topic
}

// rule is one row of the command table. Always rows need no capability.
type rule struct {
	Any    []string
	Always bool
}

var (
	graphRule        = rule{Any: []string{CapProtocolGraph}}
	networkDataRule  = rule{Any: []string{CapNetworkData, CapProtocolNetwork}}
	networkCtrlRule  = rule{Any: []string{CapNetworkControl, CapProtocolNetwork}}
	networkStateRule = rule{Any: []string{CapNetworkStatus, CapNetworkControl, CapProtocolNetwork}}
)

// GraphTopics lists every graph protocol command.
var GraphTopics = []string{
	"clear",
	"addnode", "removenode", "renamenode", "changenode",
	"addedge", "removeedge", "changeedge",
	"addinitial", "removeinitial",
	"addinport", "removeinport", "renameinport",
	"addoutport", "removeoutport", "renameoutport",
	"addgroup", "removegroup", "renamegroup", "changegroup",
}

// commandTable maps each accepted command to the capabilities that unlock it.
var commandTable = buildCommandTable()

func buildCommandTable() map[Command]rule {
	t := map[Command]rule{
		{"component", "list"}:      {Any: []string{CapProtocolComponent}},
		{"component", "getsource"}: {Any: []string{CapComponentGetSrc}},
		{"component", "source"}:    {Any: []string{CapComponentSetSrc}},

		{"network", "edges"}:     networkDataRule,
		{"network", "start"}:     networkCtrlRule,
		{"network", "stop"}:      networkCtrlRule,
		{"network", "debug"}:     networkCtrlRule,
		{"network", "getstatus"}: networkStateRule,

		{"runtime", "getruntime"}: {Always: true},
		{"runtime", "packet"}:     {Any: []string{CapProtocolRuntime}},
	}
	for _, topic := range GraphTopics {
		t[Command{"graph", topic}] = graphRule
	}
	return t
}

// Required returns the capabilities of which any one unlocks protocol:topic.
// always is set for commands open to everyone; ok is false for commands the
// runtime does not accept.
func Required(protocol, topic string) (required []string, always, ok bool) {
	r, ok := commandTable[Command{Protocol: protocol, Topic: topic}]
	if !ok {
		return nil, false, false
	}
	return append([]string(nil), r.Any...), r.Always, true
}
