package raft

import "fmt"

// ServerID uniquely identifies a server across its lifetime.
type ServerID string

// ServerAddress is a network address the transport can dial.
type ServerAddress string

// Server is one member of the cluster configuration. Every member votes and
// replicates; non-voting stagers are out of scope for this cluster size.
type Server struct {
	ID      ServerID
	Address ServerAddress
}

// Configuration is the replicated membership set.
type Configuration struct {
	Servers []Server
}

// Clone deep copies the configuration.
func (c Configuration) Clone() (copy Configuration) {
	copy.Servers = append(copy.Servers, c.Servers...)
	return
}

func hasVote(configuration Configuration, id ServerID) bool {
	for _, server := range configuration.Servers {
		if server.ID == id {
			return true
		}
	}
	return false
}

// configurations tracks the latest (possibly uncommitted) and the committed
// membership. At most one change is in flight at a time.
type configurations struct {
	committed      Configuration
	committedIndex uint64
	latest         Configuration
	latestIndex    uint64
}

func (c *configurations) Clone() (copy configurations) {
	copy.committed = c.committed.Clone()
	copy.committedIndex = c.committedIndex
	copy.latest = c.latest.Clone()
	copy.latestIndex = c.latestIndex
	return
}

// configurationChangeCommand is the kind of membership mutation requested.
type configurationChangeCommand uint8

const (
	// AddVoter adds or re-addresses a voting member
	AddVoter configurationChangeCommand = iota
	// RemoveServer removes a member entirely
	RemoveServer
)

func (c configurationChangeCommand) String() string {
	switch c {
	case AddVoter:
		return "AddVoter"
	case RemoveServer:
		return "RemoveServer"
	}
	return "ConfigurationChange"
}

type configurationChangeRequest struct {
	command       configurationChangeCommand
	serverID      ServerID
	serverAddress ServerAddress // only for AddVoter

	// prevIndex, if nonzero, is the index of the configuration the caller
	// based the change on; the change is rejected if membership has moved
	prevIndex uint64
}

// nextConfiguration computes and validates the configuration that results
// from applying the change to current.
func nextConfiguration(current Configuration, currentIndex uint64, change configurationChangeRequest) (Configuration, error) {
	if change.prevIndex > 0 && change.prevIndex != currentIndex {
		return Configuration{}, fmt.Errorf("configuration changed since %v (latest is %v)", change.prevIndex, currentIndex)
	}

	configuration := current.Clone()
	switch change.command {
	case AddVoter:
		found := false
		for i, server := range configuration.Servers {
			if server.ID == change.serverID {
				configuration.Servers[i].Address = change.serverAddress
				found = true
				break
			}
		}
		if !found {
			configuration.Servers = append(configuration.Servers, Server{
				ID:      change.serverID,
				Address: change.serverAddress,
			})
		}
	case RemoveServer:
		for i, server := range configuration.Servers {
			if server.ID == change.serverID {
				configuration.Servers = append(configuration.Servers[:i], configuration.Servers[i+1:]...)
				break
			}
		}
	}

	if err := checkConfiguration(configuration); err != nil {
		return Configuration{}, err
	}
	return configuration, nil
}

func checkConfiguration(configuration Configuration) error {
	idSet := make(map[ServerID]bool)
	addressSet := make(map[ServerAddress]bool)
	for _, server := range configuration.Servers {
		if server.ID == "" {
			return fmt.Errorf("empty ID in configuration: %v", configuration)
		}
		if server.Address == "" {
			return fmt.Errorf("empty address in configuration: %v", server)
		}
		if idSet[server.ID] {
			return fmt.Errorf("found duplicate ID in configuration: %v", server.ID)
		}
		idSet[server.ID] = true
		if addressSet[server.Address] {
			return fmt.Errorf("found duplicate address in configuration: %v", server.Address)
		}
		addressSet[server.Address] = true
	}
	if len(configuration.Servers) == 0 {
		return fmt.Errorf("need at least one voter in configuration: %v", configuration)
	}
	return nil
}

func encodeConfiguration(configuration Configuration) []byte {
	buf, err := encodeMsgPack(configuration)
	if err != nil {
		panic(fmt.Errorf("failed to encode configuration: %v", err))
	}
	return buf.Bytes()
}

func decodeConfiguration(buf []byte) Configuration {
	var configuration Configuration
	if err := decodeMsgPack(buf, &configuration); err != nil {
		panic(fmt.Errorf("failed to decode configuration: %v", err))
	}
	return configuration
}
