package radius

// Test hooks for the external radius_test package.

type FakeNAS = fakeNAS

var (
	NewFakeNAS = newFakeNAS
	MustEncode = mustEncode
)
