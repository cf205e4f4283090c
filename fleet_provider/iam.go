package fleetprovider

type PolicyDocument struct {
	Version   string
	Statement []StatementEntry
}

type StatementEntry struct {
	Effect    string
	Action    []string
	Principal map[string][]string `json:",omitempty"`
	Resource  []string            `json:",omitempty"`
}

func assumeRolePolicy() PolicyDocument {
	return PolicyDocument{
		Version: "2012-10-17",
		Statement: []StatementEntry{{
			Effect:    "Allow",
			Action:    []string{"sts:AssumeRole"},
			Principal: map[string][]string{"Service": {"ec2.amazonaws.com"}},
		}},
	}
}

// Lets instances download staged scripts.
func assetReadPolicy(bucket string) PolicyDocument {
	return PolicyDocument{
		Version: "2012-10-17",
		Statement: []StatementEntry{{
			Effect:   "Allow",
			Action:   []string{"s3:GetObject", "s3:ListBucket"},
			Resource: []string{"arn:aws:s3:::" + bucket + "/*", "arn:aws:s3:::" + bucket},
		}},
	}
}
