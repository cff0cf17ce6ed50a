package scheduler

import (
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
)

// rfc1918CIDRs are the private IPv4 blocks allowed_local expands to
// and allowed_internet's public-space carve-out excludes (§4.7
// "Ingress/egress rule translation").
var rfc1918CIDRs = []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"}

// rfc4193CIDR is the IPv6 unique-local-address block, the IPv6
// analogue of RFC1918 used for the same local/internet split.
const rfc4193CIDR = "fc00::/7"

// clusterDNSSelector is the peer allowed_internet adds so cluster DNS
// resolution keeps working when a rule otherwise restricts to public
// address space; allowed_local uses nodeLocalDNSSelector instead.
func clusterDNSSelector() networkingv1.NetworkPolicyPeer {
	return networkingv1.NetworkPolicyPeer{
		NamespaceSelector: &metav1.LabelSelector{MatchLabels: map[string]string{"kubernetes.io/metadata.name": "kube-system"}},
		PodSelector:       &metav1.LabelSelector{MatchLabels: map[string]string{"k8s-app": "kube-dns"}},
	}
}

// nodeLocalDNSSelector is the peer allowed_local adds in place of the
// cluster-wide DNS selector, for clusters running NodeLocal DNSCache.
func nodeLocalDNSSelector() networkingv1.NetworkPolicyPeer {
	return networkingv1.NetworkPolicyPeer{
		NamespaceSelector: &metav1.LabelSelector{MatchLabels: map[string]string{"kubernetes.io/metadata.name": "kube-system"}},
		PodSelector:       &metav1.LabelSelector{MatchLabels: map[string]string{"k8s-app": "node-local-dns"}},
	}
}

// translatePorts converts a rule's port list to the k8s shape; an
// empty list means "all ports" (§4.7), represented by a nil
// NetworkPolicyPort list.
func translatePorts(ports []PortRuleSpec) []networkingv1.NetworkPolicyPort {
	if len(ports) == 0 {
		return nil
	}
	out := make([]networkingv1.NetworkPolicyPort, 0, len(ports))
	for _, p := range ports {
		proto := corev1.ProtocolTCP
		if p.Protocol != "" {
			proto = corev1.Protocol(p.Protocol)
		}
		port := intstr.FromInt32(p.Port)
		np := networkingv1.NetworkPolicyPort{Protocol: &proto, Port: &port}
		if p.EndPort != nil {
			ep := *p.EndPort
			np.EndPort = &ep
		}
		out = append(out, np)
	}
	return out
}

// PortRuleSpec mirrors domain.PortRule, kept local to the scheduler
// package so translatePorts doesn't need to import domain directly
// into every backend (backends convert at their own boundary).
type PortRuleSpec struct {
	Port     int32
	EndPort  *int32
	Protocol string
}

// RuleSpec is the backend-agnostic ingress/egress rule this package
// translates into k8s NetworkPolicyPeer/Port lists (§4.7).
type RuleSpec struct {
	AllowedIPCIDRs  []string // already-resolved CIDR strings, excepts applied by the caller
	AllowedGroups   []string // group names, translated to namespace selectors
	AllowedLocal    bool
	AllowedInternet bool
	AllowedAll      bool
	Ports           []PortRuleSpec
}

// translatePeers expands one rule's allowed_* flags and explicit CIDRs
// into the full k8s peer list (§4.7).
func translatePeers(r RuleSpec) []networkingv1.NetworkPolicyPeer {
	if r.AllowedAll {
		return nil // empty peers list = accept from anywhere
	}
	var peers []networkingv1.NetworkPolicyPeer
	if r.AllowedInternet {
		peers = append(peers, networkingv1.NetworkPolicyPeer{
			IPBlock: &networkingv1.IPBlock{CIDR: "0.0.0.0/0", Except: rfc1918CIDRs},
		})
		peers = append(peers, networkingv1.NetworkPolicyPeer{
			IPBlock: &networkingv1.IPBlock{CIDR: "::/0", Except: []string{rfc4193CIDR}},
		})
		peers = append(peers, clusterDNSSelector())
	}
	if r.AllowedLocal {
		for _, cidr := range rfc1918CIDRs {
			peers = append(peers, networkingv1.NetworkPolicyPeer{IPBlock: &networkingv1.IPBlock{CIDR: cidr}})
		}
		peers = append(peers, networkingv1.NetworkPolicyPeer{IPBlock: &networkingv1.IPBlock{CIDR: rfc4193CIDR}})
		peers = append(peers, nodeLocalDNSSelector())
	}
	for _, cidr := range r.AllowedIPCIDRs {
		peers = append(peers, networkingv1.NetworkPolicyPeer{IPBlock: &networkingv1.IPBlock{CIDR: cidr}})
	}
	for _, group := range r.AllowedGroups {
		peers = append(peers, networkingv1.NetworkPolicyPeer{
			NamespaceSelector: &metav1.LabelSelector{MatchLabels: map[string]string{"thorium.io/group": group}},
		})
	}
	return peers
}

// PolicySpec is the backend-agnostic shape BuildNetworkPolicy
// translates, mirroring domain.NetworkPolicy's Ingress/Egress split
// without pulling the domain package into this translation boundary.
type PolicySpec struct {
	K8sName      string
	Namespace    string
	Ingress      []RuleSpec
	IngressIsSet bool
	Egress       []RuleSpec
	EgressIsSet  bool
}

// BuildNetworkPolicy renders a PolicySpec as the k8s NetworkPolicy
// object the k8s backend applies. A rule set that is not "set" (nil,
// §4.7 "ingress=None") omits that PolicyType entirely — no
// restriction, allow-all; a "set" empty rule set ("ingress=[]")
// includes the PolicyType with zero rules — deny-all.
func BuildNetworkPolicy(spec PolicySpec) *networkingv1.NetworkPolicy {
	np := &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{Name: spec.K8sName, Namespace: spec.Namespace},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{},
		},
	}
	if spec.IngressIsSet {
		np.Spec.PolicyTypes = append(np.Spec.PolicyTypes, networkingv1.PolicyTypeIngress)
		np.Spec.Ingress = make([]networkingv1.NetworkPolicyIngressRule, 0, len(spec.Ingress))
		for _, rule := range spec.Ingress {
			np.Spec.Ingress = append(np.Spec.Ingress, networkingv1.NetworkPolicyIngressRule{
				From:  translatePeers(rule),
				Ports: translatePorts(rule.Ports),
			})
		}
	}
	if spec.EgressIsSet {
		np.Spec.PolicyTypes = append(np.Spec.PolicyTypes, networkingv1.PolicyTypeEgress)
		np.Spec.Egress = make([]networkingv1.NetworkPolicyEgressRule, 0, len(spec.Egress))
		for _, rule := range spec.Egress {
			np.Spec.Egress = append(np.Spec.Egress, networkingv1.NetworkPolicyEgressRule{
				To:    translatePeers(rule),
				Ports: translatePorts(rule.Ports),
			})
		}
	}
	return np
}

// NeedsK8sUpdate reports whether the live policy (a) has drifted from
// the desired policy (b) in any way the k8s object actually encodes —
// k8s_name, namespace, ingress, and egress. It deliberately ignores
// id, display name, used_by, and the forced/default flags, none of
// which the rendered NetworkPolicy object carries (§4.7 "needs_k8s_update
// ignores id/creation-time/used-by/forced-default-flags", §8 property
// 6). Reflexive-false and symmetric by construction: it is a pure
// structural comparison of the two rendered objects.
func NeedsK8sUpdate(a, b *networkingv1.NetworkPolicy) bool {
	if a.Name != b.Name || a.Namespace != b.Namespace {
		return true
	}
	if !equalPolicyTypes(a.Spec.PolicyTypes, b.Spec.PolicyTypes) {
		return true
	}
	if !equalIngressRules(a.Spec.Ingress, b.Spec.Ingress) {
		return true
	}
	if !equalEgressRules(a.Spec.Egress, b.Spec.Egress) {
		return true
	}
	return false
}

func equalPolicyTypes(a, b []networkingv1.PolicyType) bool {
	if len(a) != len(b) {
		return false
	}
	seen := map[networkingv1.PolicyType]bool{}
	for _, t := range a {
		seen[t] = true
	}
	for _, t := range b {
		if !seen[t] {
			return false
		}
	}
	return true
}

func equalIngressRules(a, b []networkingv1.NetworkPolicyIngressRule) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !equalPeers(a[i].From, b[i].From) || !equalPorts(a[i].Ports, b[i].Ports) {
			return false
		}
	}
	return true
}

func equalEgressRules(a, b []networkingv1.NetworkPolicyEgressRule) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !equalPeers(a[i].To, b[i].To) || !equalPorts(a[i].Ports, b[i].Ports) {
			return false
		}
	}
	return true
}

func equalPeers(a, b []networkingv1.NetworkPolicyPeer) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		pa, pb := a[i], b[i]
		if (pa.IPBlock == nil) != (pb.IPBlock == nil) {
			return false
		}
		if pa.IPBlock != nil {
			if pa.IPBlock.CIDR != pb.IPBlock.CIDR || !equalStrings(pa.IPBlock.Except, pb.IPBlock.Except) {
				return false
			}
		}
		if !equalSelector(pa.NamespaceSelector, pb.NamespaceSelector) || !equalSelector(pa.PodSelector, pb.PodSelector) {
			return false
		}
	}
	return true
}

func equalSelector(a, b *metav1.LabelSelector) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	if len(a.MatchLabels) != len(b.MatchLabels) {
		return false
	}
	for k, v := range a.MatchLabels {
		if b.MatchLabels[k] != v {
			return false
		}
	}
	return true
}

func equalPorts(a, b []networkingv1.NetworkPolicyPort) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		pa, pb := a[i], b[i]
		if (pa.Protocol == nil) != (pb.Protocol == nil) {
			return false
		}
		if pa.Protocol != nil && *pa.Protocol != *pb.Protocol {
			return false
		}
		if (pa.Port == nil) != (pb.Port == nil) {
			return false
		}
		if pa.Port != nil && *pa.Port != *pb.Port {
			return false
		}
		if (pa.EndPort == nil) != (pb.EndPort == nil) {
			return false
		}
		if pa.EndPort != nil && *pa.EndPort != *pb.EndPort {
			return false
		}
	}
	return true
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := map[string]int{}
	for _, s := range a {
		seen[s]++
	}
	for _, s := range b {
		seen[s]--
	}
	for _, n := range seen {
		if n != 0 {
			return false
		}
	}
	return true
}
