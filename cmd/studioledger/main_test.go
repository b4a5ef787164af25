package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/studioledger/studioledger/internal/app"
	_ "github.com/studioledger/studioledger/testing"
)

func TestMainSkipsStartupInTestMode(t *testing.T) {
	app.RefreshTestMode()
	require.True(t, app.InTestMode())
	require.NotPanics(t, main)
}
