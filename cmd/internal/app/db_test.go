package app

import "testing"

func TestDBPoolConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		cfg     RelayConfig
		wantMax int32
		wantMin int32
		wantApp string
	}{
		{
			name:    "defaults tagged",
			cfg:     RelayConfig{DatabaseURL: "postgres://u:p@localhost:5432/chat", DBMaxConns: 10},
			wantMax: 10, wantMin: 0, wantApp: dbApplicationName,
		},
		{
			name:    "min capped at max",
			cfg:     RelayConfig{DatabaseURL: "postgres://u:p@localhost:5432/chat", DBMaxConns: 3, DBMinConns: 8},
			wantMax: 3, wantMin: 3, wantApp: dbApplicationName,
		},
		{
			name:    "url application_name wins",
			cfg:     RelayConfig{DatabaseURL: "postgres://u:p@localhost:5432/chat?application_name=ops", DBMaxConns: 4, DBMinConns: 1},
			wantMax: 4, wantMin: 1, wantApp: "ops",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			pcfg, err := dbPoolConfig(tc.cfg)
			if err != nil {
				t.Fatalf("dbPoolConfig: %v", err)
			}
			if pcfg.MaxConns != tc.wantMax || pcfg.MinConns != tc.wantMin {
				t.Fatalf("conns=%d/%d want %d/%d", pcfg.MaxConns, pcfg.MinConns, tc.wantMax, tc.wantMin)
			}
			if got := pcfg.ConnConfig.RuntimeParams["application_name"]; got != tc.wantApp {
				t.Fatalf("application_name=%q want %q", got, tc.wantApp)
			}
		})
	}

	if _, err := dbPoolConfig(RelayConfig{DatabaseURL: "postgres://u:p@localhost:5432/%zz"}); err == nil {
		t.Fatalf("expected parse error")
	}
}
