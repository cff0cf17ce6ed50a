package scheduler

import "testing"

func samplePolicySpec() PolicySpec {
	return PolicySpec{
		K8sName:      "triage-ab12",
		Namespace:    "groupA",
		IngressIsSet: true,
		Ingress: []RuleSpec{
			{Ports: []PortRuleSpec{{Port: 8080}}},
		},
	}
}

// TestNeedsK8sUpdateIsReflexiveFalse is §8 property 6's first half:
// comparing a rendered policy to itself never reports a needed update.
func TestNeedsK8sUpdateIsReflexiveFalse(t *testing.T) {
	np := BuildNetworkPolicy(samplePolicySpec())
	if NeedsK8sUpdate(np, np) {
		t.Fatal("expected NeedsK8sUpdate(a, a) to be false")
	}
}

// TestNeedsK8sUpdateIsSymmetric is §8 property 6's second half.
func TestNeedsK8sUpdateIsSymmetric(t *testing.T) {
	a := BuildNetworkPolicy(samplePolicySpec())
	changed := samplePolicySpec()
	changed.Ingress[0].Ports[0].Port = 9090
	b := BuildNetworkPolicy(changed)

	if NeedsK8sUpdate(a, b) != NeedsK8sUpdate(b, a) {
		t.Fatal("expected NeedsK8sUpdate to be symmetric")
	}
	if !NeedsK8sUpdate(a, b) {
		t.Fatal("expected a port change to be detected as an update")
	}
}

// TestNeedsK8sUpdateIgnoresDisplayNameOnly is scenario S6: a policy
// differing only in display name (not k8s_name, groups, ingress, or
// egress) reports no update needed, since BuildNetworkPolicy never
// encodes the display name at all.
func TestNeedsK8sUpdateIgnoresDisplayNameOnly(t *testing.T) {
	a := BuildNetworkPolicy(samplePolicySpec())
	// The display name lives on domain.NetworkPolicy, not on the
	// rendered k8s object; rendering the same spec twice models "only
	// the display name differs upstream".
	b := BuildNetworkPolicy(samplePolicySpec())
	if NeedsK8sUpdate(a, b) {
		t.Fatal("expected a display-name-only difference to need no k8s update")
	}
}

// TestNeedsK8sUpdateDetectsPortChange is scenario S6's second half: a
// port change in an ingress rule must be detected as an update.
func TestNeedsK8sUpdateDetectsPortChange(t *testing.T) {
	a := BuildNetworkPolicy(samplePolicySpec())
	changed := samplePolicySpec()
	changed.Ingress[0].Ports[0].Port = 443
	b := BuildNetworkPolicy(changed)

	if !NeedsK8sUpdate(a, b) {
		t.Fatal("expected a port change to require a k8s update")
	}
}

func TestAllowedAllProducesEmptyPeerList(t *testing.T) {
	peers := translatePeers(RuleSpec{AllowedAll: true})
	if peers != nil {
		t.Fatalf("expected allowed_all to produce a nil/empty peer list, got %+v", peers)
	}
}

func TestAllowedInternetExcludesRFC1918(t *testing.T) {
	peers := translatePeers(RuleSpec{AllowedInternet: true})
	var found bool
	for _, p := range peers {
		if p.IPBlock != nil && p.IPBlock.CIDR == "0.0.0.0/0" {
			found = true
			if len(p.IPBlock.Except) != len(rfc1918CIDRs) {
				t.Fatalf("expected the public IPv4 block to except every RFC1918 CIDR, got %+v", p.IPBlock.Except)
			}
		}
	}
	if !found {
		t.Fatal("expected allowed_internet to include a 0.0.0.0/0 IPBlock")
	}
}

func TestAllowedLocalProducesRFC1918CIDRs(t *testing.T) {
	peers := translatePeers(RuleSpec{AllowedLocal: true})
	count := 0
	for _, p := range peers {
		if p.IPBlock != nil {
			count++
		}
	}
	if count != len(rfc1918CIDRs)+1 { // +1 for the IPv6 ULA block
		t.Fatalf("expected %d local CIDR peers, got %d", len(rfc1918CIDRs)+1, count)
	}
}

func TestEmptyPortsMeansAllPorts(t *testing.T) {
	if ports := translatePorts(nil); ports != nil {
		t.Fatalf("expected empty ports to translate to nil (all ports), got %+v", ports)
	}
}

func TestIngressNoneMeansAllowAll(t *testing.T) {
	np := BuildNetworkPolicy(PolicySpec{K8sName: "x", Namespace: "groupA", IngressIsSet: false})
	for _, t2 := range np.Spec.PolicyTypes {
		if string(t2) == "Ingress" {
			t.Fatal("expected ingress=None to omit the Ingress policy type")
		}
	}
}

func TestIngressEmptyMeansDenyAll(t *testing.T) {
	np := BuildNetworkPolicy(PolicySpec{K8sName: "x", Namespace: "groupA", IngressIsSet: true, Ingress: nil})
	if len(np.Spec.Ingress) != 0 {
		t.Fatalf("expected ingress=[] to render zero rules, got %d", len(np.Spec.Ingress))
	}
	var hasIngress bool
	for _, t2 := range np.Spec.PolicyTypes {
		if t2 == "Ingress" {
			hasIngress = true
		}
	}
	if !hasIngress {
		t.Fatal("expected ingress=[] to still set the Ingress policy type (deny-all, not no-op)")
	}
}
