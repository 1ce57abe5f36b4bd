package evaluate

import "testing"

func TestEstimateCostUSD(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		usage       Usage
		inputPer1M  string
		outputPer1M string
		want        float64
		wantErr     bool
	}{
		{
			name:        "typical run",
			usage:       Usage{InputTokens: 2_000_000, OutputTokens: 1_000_000},
			inputPer1M:  "0.5",
			outputPer1M: "1.5",
			want:        2.5,
		},
		{
			name:        "fractional tokens stay exact",
			usage:       Usage{InputTokens: 1234, OutputTokens: 567},
			inputPer1M:  "2.5",
			outputPer1M: "10",
			want:        0.008755,
		},
		{
			name:        "zero usage",
			usage:       Usage{},
			inputPer1M:  "15",
			outputPer1M: "75",
			want:        0,
		},
		{
			name:        "empty rates price as zero",
			usage:       Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000},
			inputPer1M:  "",
			outputPer1M: "",
			want:        0,
		},
		{
			name:        "output only",
			usage:       Usage{OutputTokens: 500_000},
			inputPer1M:  "",
			outputPer1M: "10",
			want:        5,
		},
		{
			name:        "bad rate",
			usage:       Usage{InputTokens: 1},
			inputPer1M:  "not-a-number",
			outputPer1M: "1",
			wantErr:     true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := EstimateCostUSD(tt.usage, tt.inputPer1M, tt.outputPer1M)
			if tt.wantErr {
				if err == nil {
					t.Fatal("EstimateCostUSD() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("EstimateCostUSD() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("EstimateCostUSD() = %v, want %v", got, tt.want)
			}
		})
	}
}
