package ovo

const usageFragment = `
fragment UsageV2DataParts on UsageV2Data {
  solar {
    periodFrom
    periodTo
    consumption
    readType
    charge {
      value
      type
      __typename
    }
    __typename
  }
  export {
    periodFrom
    periodTo
    consumption
    readType
    charge {
      value
      type
      __typename
    }
    __typename
  }
  __typename
}
`

const contactInfoQuery = `
query GetContactInfo($input: GetContactInfoInput!) {
  GetContactInfo(input: $input) {
    accounts {
      id
      number
      customerId
      closed
      system
      hasSolar
      __typename
    }
    __typename
  }
}
`

const intervalDataQuery = `
query GetIntervalData($input: GetIntervalDataInput!) {
  GetIntervalData(input: $input) {
    daily {
      ...UsageV2DataParts
      __typename
    }
    monthly {
      ...UsageV2DataParts
      __typename
    }
    yearly {
      ...UsageV2DataParts
      __typename
    }
    __typename
  }
}
` + usageFragment

const hourlyDataQuery = `
query GetHourlyData($input: GetHourlyDataInput!) {
  GetHourlyData(input: $input) {
    ...UsageV2DataParts
    __typename
  }
}
` + usageFragment
