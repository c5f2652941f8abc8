// Package multicast contains a receive-only multicast connection.
package multicast

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/net/ipv4"
)

// IsMulticast returns whether the host of a UDP address is a IPv4 multicast group.
func IsMulticast(address string) bool {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return false
	}

	ip := net.ParseIP(host)
	return ip != nil && ip.To4() != nil && ip.IsMulticast()
}

// Conn is a multicast connection that receives datagrams sent to a group.
type Conn struct {
	*net.UDPConn

	connIP *ipv4.PacketConn
	group  *net.UDPAddr
	intfs  []*net.Interface
}

// Listen joins a multicast group and listens on its port.
// If interfaceName is empty, the group is joined on all multicast-capable interfaces.
func Listen(
	address string,
	interfaceName string,
	listenPacket func(network, address string) (net.PacketConn, error),
) (*Conn, error) {
	group, err := net.ResolveUDPAddr("udp4", address)
	if err != nil {
		return nil, err
	}

	if !group.IP.IsMulticast() {
		return nil, fmt.Errorf("%v is not a multicast address", group.IP)
	}

	intfs, err := interfaces(interfaceName)
	if err != nil {
		return nil, err
	}

	if listenPacket == nil {
		listenPacket = net.ListenPacket
	}

	tmp, err := listenPacket("udp4", "224.0.0.0:"+strconv.FormatInt(int64(group.Port), 10))
	if err != nil {
		return nil, err
	}

	conn, ok := tmp.(*net.UDPConn)
	if !ok {
		tmp.Close() //nolint:errcheck
		return nil, fmt.Errorf("unsupported connection type %T", tmp)
	}

	connIP := ipv4.NewPacketConn(conn)

	var joined []*net.Interface //nolint:prealloc

	for _, intf := range intfs {
		err = connIP.JoinGroup(intf, &net.UDPAddr{IP: group.IP})
		if err != nil {
			continue
		}
		joined = append(joined, intf)
	}

	if joined == nil {
		conn.Close() //nolint:errcheck
		return nil, fmt.Errorf("unable to join multicast group %v on any interface", group.IP)
	}

	return &Conn{
		UDPConn: conn,
		connIP:  connIP,
		group:   group,
		intfs:   joined,
	}, nil
}

func interfaces(name string) ([]*net.Interface, error) {
	if name != "" {
		intf, err := net.InterfaceByName(name)
		if err != nil {
			return nil, err
		}
		return []*net.Interface{intf}, nil
	}

	intfs, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var ret []*net.Interface //nolint:prealloc

	for _, intf := range intfs {
		if (intf.Flags&net.FlagMulticast) == 0 || (intf.Flags&net.FlagUp) == 0 {
			continue
		}
		cintf := intf
		ret = append(ret, &cintf)
	}

	if ret == nil {
		return nil, fmt.Errorf("no multicast-capable interfaces found")
	}

	return ret, nil
}

// Interfaces returns the interfaces on which the group has been joined.
func (c *Conn) Interfaces() []*net.Interface {
	return c.intfs
}

// Close leaves the group and closes the connection.
func (c *Conn) Close() error {
	for _, intf := range c.intfs {
		c.connIP.LeaveGroup(intf, &net.UDPAddr{IP: c.group.IP}) //nolint:errcheck
	}
	return c.UDPConn.Close()
}
