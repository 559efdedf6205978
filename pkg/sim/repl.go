package sim

import (
	"strconv"

	"ip-tcp-stack/pkg/ipv4"
	"ip-tcp-stack/pkg/router"
)

// REPL tables

func (n *Network) Li() string {
	var res = "Link   Iface  Addr         Ether"
	for _, l := range n.links {
		for _, iface := range l.endpoints {
			res += "\n" + l.Name + "   " + iface.Name() + "   " + iface.IPAddress().String() + "   " + iface.EthernetAddress().String()
		}
	}
	return res
}

func (n *Network) Ln() string {
	var res = "Local      VIP        Ether              TTL"
	for _, l := range n.links {
		for _, iface := range l.endpoints {
			for _, nb := range iface.Neighbors() {
				res += "\n" + iface.IPAddress().String() + "  " + nb.IP.String() + "   " + nb.Eth.String() + "  " + strconv.FormatUint(nb.TTL, 10)
			}
		}
	}
	return res
}

func Lr(r *router.Router) string {
	var res = "T     Prefix       Next hop    Cost"
	for _, rt := range r.Routes() {
		costStr := strconv.FormatUint(uint64(rt.Cost), 10)
		nextHopStr := ipv4.FormatAddr(rt.NextHop)
		if rt.Type() == "S" {
			costStr = "-"
		}
		if rt.Type() == "L" {
			nextHopStr = "LOCAL:" + r.Interface(rt.Interface).Name()
		}
		res += "\n" + rt.Type() + "     " + rt.Prefix.String() + "  " + nextHopStr + "   " + costStr
	}
	return res
}

func (n *Network) Stats() (string, error) {
	stats, err := n.metrics.Snapshot()
	if err != nil {
		return "", err
	}
	var res = "Counter                          Value"
	for _, s := range stats {
		res += "\n" + s.Name + "  " + strconv.FormatFloat(s.Value, 'f', -1, 64)
	}
	return res, nil
}
