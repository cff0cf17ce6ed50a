package domain

import "errors"

var errImageNetworkPolicyScaler = errors.New("domain: network policies require scaler=K8s")
