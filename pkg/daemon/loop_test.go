package daemon

import (
	"sync"
	"testing"
	"time"
)

func TestTickRecorder_GetRecordsIn(t *testing.T) {
	type fields struct {
		MaxRecordCount int
		LastTickTimes  []time.Time
		mu             *sync.Mutex
	}
	type args struct {
		interval time.Duration
		last     time.Duration
	}
	tests := []struct {
		name   string
		fields fields
		args   args
		want   int
	}{
		{
			name: "test noncontinuous records",
			fields: fields{
				MaxRecordCount: 10,
				LastTickTimes: []time.Time{
					time.Now().Add(-time.Second * 31).Add(-10 * time.Millisecond),
					time.Now().Add(-time.Second * 20).Add(-10 * time.Millisecond),
					time.Now().Add(-time.Second * 10).Add(-10 * time.Millisecond),
				},
				mu: &sync.Mutex{},
			},
			args: args{
				interval: time.Second * 10,
				last:     time.Second * 40,
			},
			want: 2,
		},
		{
			name: "test continuous records",
			fields: fields{
				MaxRecordCount: 10,
				LastTickTimes: []time.Time{
					time.Now().Add(-time.Second * 70).Add(-10 * time.Millisecond),
					time.Now().Add(-time.Second * 60).Add(-10 * time.Millisecond),
					time.Now().Add(-time.Second * 40).Add(-10 * time.Millisecond),
					time.Now().Add(-time.Second * 30).Add(-10 * time.Millisecond),
					time.Now().Add(-time.Second * 20).Add(-10 * time.Millisecond),
					time.Now().Add(-time.Second * 10).Add(-10 * time.Millisecond),
				},
				mu: &sync.Mutex{},
			},
			args: args{
				interval: time.Second * 10,
				last:     time.Second * 50,
			},
			want: 4,
		},
		{
			name: "test stale last record",
			fields: fields{
				MaxRecordCount: 10,
				LastTickTimes: []time.Time{
					time.Now().Add(-time.Second * 70).Add(-10 * time.Millisecond),
					time.Now().Add(-time.Second * 60).Add(-10 * time.Millisecond),
					time.Now().Add(-time.Second * 40).Add(-10 * time.Millisecond),
					time.Now().Add(-time.Second * 30).Add(-10 * time.Millisecond),
					time.Now().Add(-time.Second * 20).Add(-10 * time.Millisecond),
					time.Now().Add(-time.Second * 15).Add(-10 * time.Millisecond),
				},
				mu: &sync.Mutex{},
			},
			args: args{
				interval: time.Second * 10,
				last:     time.Second * 50,
			},
			want: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &TickRecorder{
				MaxRecordCount: tt.fields.MaxRecordCount,
				LastTickTimes:  tt.fields.LastTickTimes,
				mu:             tt.fields.mu,
			}
			if got := r.GetRecordsIn(tt.args.interval, tt.args.last); got != tt.want {
				t.Errorf("GetRecordsIn() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTickRecorder_Eviction(t *testing.T) {
	r := NewTickRecorder(3)

	base := time.Now().Add(-time.Minute)
	for i := 0; i < 5; i++ {
		r.AddRecord(base.Add(time.Duration(i) * time.Second))
	}

	records := r.GetRecords()
	if len(records) != 3 {
		t.Fatalf("expected 3 records after eviction, got %d", len(records))
	}
	if !r.GetLastRecord().Equal(base.Add(4 * time.Second).Round(0)) {
		t.Fatalf("last record should be the newest, got %v", r.GetLastRecord())
	}

	r.ClearRecords()
	if len(r.GetRecords()) != 0 {
		t.Fatalf("expected no records after clear")
	}
	if !r.GetLastRecord().IsZero() {
		t.Fatalf("last record of an empty recorder should be the zero time")
	}
}
