// Package discovery lets clients find chat servers on the local network.
// A server multicasts a small JSON beacon at a fixed interval; a client
// listens on the group for a while and collects what it hears.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/ipv4"
)

const (
	beaconVersion = 1
	multicastTTL  = 4
	maxBeaconSize = 2048
	pollInterval  = 250 * time.Millisecond
)

// Beacon is the announcement a server multicasts.
type Beacon struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Port    int    `json:"port"`
	Version int    `json:"v"`
}

// EncodeBeacon marshals b.
func EncodeBeacon(b Beacon) ([]byte, error) {
	if b.Version == 0 {
		b.Version = beaconVersion
	}
	return json.Marshal(b)
}

// DecodeBeacon unmarshals and validates a beacon.
func DecodeBeacon(data []byte) (Beacon, error) {
	var b Beacon
	if err := json.Unmarshal(data, &b); err != nil {
		return Beacon{}, fmt.Errorf("invalid beacon: %w", err)
	}
	if b.ID == "" {
		return Beacon{}, errors.New("invalid beacon: missing id")
	}
	if b.Port < 1 || b.Port > 65535 {
		return Beacon{}, fmt.Errorf("invalid beacon: port %d out of range", b.Port)
	}
	return b, nil
}

// Peer is a server heard on the network.
type Peer struct {
	ID   string
	Name string
	Host string
	Port int
	Seen time.Time
}

// Addr returns host:port for dialing the peer.
func (p Peer) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Announcer periodically multicasts a Beacon.
type Announcer struct {
	group    *net.UDPAddr
	beacon   Beacon
	interval time.Duration

	conn *net.UDPConn
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewAnnouncer creates an Announcer advertising name and port on group.
func NewAnnouncer(group, name string, port int, interval time.Duration) (*Announcer, error) {
	addr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve discovery group: %w", err)
	}
	if !addr.IP.IsMulticast() {
		return nil, fmt.Errorf("discovery group %s is not a multicast address", group)
	}
	return &Announcer{
		group:    addr,
		beacon:   Beacon{ID: uuid.NewString(), Name: name, Port: port, Version: beaconVersion},
		interval: interval,
		stop:     make(chan struct{}),
	}, nil
}

// Beacon returns the beacon being announced.
func (a *Announcer) Beacon() Beacon {
	return a.beacon
}

// Start opens the socket and begins announcing.
func (a *Announcer) Start() error {
	payload, err := EncodeBeacon(a.beacon)
	if err != nil {
		return fmt.Errorf("failed to encode beacon: %w", err)
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return fmt.Errorf("failed to open discovery socket: %w", err)
	}
	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetMulticastTTL(multicastTTL); err != nil {
		log.Debug().Err(err).Msg("failed to set multicast TTL")
	}
	if err := pc.SetMulticastLoopback(true); err != nil {
		log.Debug().Err(err).Msg("failed to enable multicast loopback")
	}
	if iface := bestInterface(); iface != nil {
		if err := pc.SetMulticastInterface(iface); err != nil {
			log.Debug().Err(err).Str("iface", iface.Name).Msg("failed to select multicast interface")
		}
	}
	a.conn = conn

	a.wg.Add(1)
	go a.loop(payload)
	return nil
}

func (a *Announcer) loop(payload []byte) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		if _, err := a.conn.WriteToUDP(payload, a.group); err != nil {
			log.Debug().Err(err).Str("group", a.group.String()).Msg("failed to send beacon")
		}
		select {
		case <-a.stop:
			return
		case <-ticker.C:
		}
	}
}

// Stop stops announcing and closes the socket.
func (a *Announcer) Stop() {
	select {
	case <-a.stop:
		return
	default:
		close(a.stop)
	}
	a.wg.Wait()
	if a.conn != nil {
		a.conn.Close()
	}
}

// Discover listens on group for wait (or until ctx is done) and returns the
// servers heard, most recently seen first.
func Discover(ctx context.Context, group string, wait time.Duration) ([]Peer, error) {
	addr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve discovery group: %w", err)
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: addr.Port})
	if err != nil {
		return nil, fmt.Errorf("failed to open discovery socket: %w", err)
	}
	defer conn.Close()

	pc := ipv4.NewPacketConn(conn)
	if err := joinGroup(pc, addr); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(wait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	seen := newCollector()
	buf := make([]byte, maxBeaconSize)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			break
		}
		_ = conn.SetReadDeadline(minTime(deadline, time.Now().Add(pollInterval)))
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			return seen.peers(), fmt.Errorf("failed to read beacon: %w", err)
		}
		b, err := DecodeBeacon(buf[:n])
		if err != nil {
			log.Debug().Err(err).Str("from", src.String()).Msg("ignoring beacon")
			continue
		}
		seen.add(b, src.IP.String(), time.Now())
	}
	return seen.peers(), nil
}

func joinGroup(pc *ipv4.PacketConn, group *net.UDPAddr) error {
	if iface := bestInterface(); iface != nil {
		if err := pc.JoinGroup(iface, group); err == nil {
			return nil
		}
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return fmt.Errorf("failed to list interfaces: %w", err)
	}
	joined := false
	for i := range ifaces {
		if ifaces[i].Flags&net.FlagMulticast == 0 || ifaces[i].Flags&net.FlagUp == 0 {
			continue
		}
		if err := pc.JoinGroup(&ifaces[i], group); err == nil {
			joined = true
		}
	}
	if !joined {
		return fmt.Errorf("failed to join discovery group %s on any interface", group)
	}
	return nil
}

// collector keeps the latest sighting of each server.
type collector struct {
	byID map[string]Peer
}

func newCollector() *collector {
	return &collector{byID: make(map[string]Peer)}
}

func (c *collector) add(b Beacon, host string, at time.Time) {
	name := b.Name
	if name == "" {
		name = host
	}
	c.byID[b.ID] = Peer{ID: b.ID, Name: name, Host: host, Port: b.Port, Seen: at}
}

func (c *collector) peers() []Peer {
	out := make([]Peer, 0, len(c.byID))
	for _, p := range c.byID {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Peer) int { return b.Seen.Compare(a.Seen) })
	return out
}

// bestInterface returns the first up, non-loopback, multicast-capable
// interface with an address.
func bestInterface() *net.Interface {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for i := range ifaces {
		iface := &ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if addrs, err := iface.Addrs(); err == nil && len(addrs) > 0 {
			return iface
		}
	}
	return nil
}

// LocalIPv4 returns the first non-loopback IPv4 address of an up interface,
// or "" if there is none.
func LocalIPv4() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok {
				if ip4 := ipnet.IP.To4(); ip4 != nil && !ip4.IsLoopback() {
					return ip4.String()
				}
			}
		}
	}
	return ""
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
