package server_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// suiteT is the top-level *testing.T, stashed so specs can hand it to
// helpers (dbtest.NewTestDB) that need a concrete testing.TB rather than
// GinkgoT's restricted interface.
var suiteT *testing.T

func TestE2E(t *testing.T) {
	suiteT = t
	RegisterFailHandler(Fail)
	RunSpecs(t, "Coordination Core E2E Suite")
}
