package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/contamx/contamx/internal/app"
	_ "github.com/contamx/contamx/internal/testing/guard"
)

func TestMainSkipsInTestMode(t *testing.T) {
	app.RefreshTestMode()
	require.True(t, app.InTestMode())
	main()
}
